// Package config reads mvdb configuration files.
//
// A configuration file is a Lua chunk returning a table. arg[0] holds the
// file name, so paths can be made relative to the file:
//
//	local dir = arg[0]:match("(.*/)") or "./"
//	return {
//	    store = {
//	        file = dir .. "data.mv",
//	        cache_size = 4096,
//	        versions_to_keep = 10,
//	        retention_time = "2m",
//	        auto_commit_delay = "500ms",
//	    },
//	    logging = {
//	        directory = dir .. "log",
//	        file = "mvdb.log",
//	        level = "info",
//	    },
//	}
//
// ${VAR} and ${VAR:-default} in the file are replaced with environment
// variables before it runs. Values the table leaves out keep the defaults
// of DefaultConfig.
//
// Load a file and open a store with it:
//
//	cfg, err := config.LoadConfig("/etc/mvdb.conf")
//	if err != nil {
//	    return err
//	}
//	opts, err := cfg.ToOptions()
//	if err != nil {
//	    return err
//	}
//	store, err := mvstore.Open(ctx, opts)
package config
