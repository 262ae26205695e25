package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
)

// Parser errors.
var (
	ErrFileNotFound    = errors.New("configuration file not found")
	ErrInvalidDuration = errors.New("invalid duration format")
	ErrNoTable         = errors.New("configuration must return a table")
)

// LoadConfig loads configuration from a Lua file. The file is executed
// and must return a table; values it leaves out keep their defaults.
//
//	-- mvdb.conf
//	local dir = arg[0]:match("(.*/)") or "./"
//	return {
//	    store = {
//	        file = dir .. "data.mv",
//	        versions_to_keep = 10,
//	        retention_time = "2m",
//	    },
//	    logging = {
//	        directory = dir .. "log",
//	        level = "debug",
//	    },
//	}
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrFileNotFound, path)
		}
		return nil, err
	}
	return parse(path, data)
}

// ParseConfig parses configuration from Lua source.
func ParseConfig(data []byte) (*Config, error) {
	return parse("<config>", data)
}

func parse(name string, data []byte) (*Config, error) {
	data = substituteEnvVars(data)

	L := lua.NewState()
	defer L.Close()

	L.OpenLibs()

	// arg[0] = config file
	arg := &lua.LTable{}
	arg.Insert(0, lua.LString(name))
	L.SetGlobal("arg", arg)

	if err := L.DoString(string(data)); err != nil {
		return nil, errors.Wrapf(err, "execute %s", name)
	}

	table, ok := L.Get(L.GetTop()).(*lua.LTable)
	if !ok {
		return nil, errors.Wrap(ErrNoTable, name)
	}

	config := DefaultConfig()
	mapper := gluamapper.Mapper{Option: gluamapper.Option{
		NameFunc: func(s string) string { return s },
		TagName:  "gluamapper",
	}}
	if err := mapper.Map(table, config); err != nil {
		return nil, errors.Wrapf(err, "map %s", name)
	}
	return config, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} patterns with
// environment variable values.
func substituteEnvVars(data []byte) []byte {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllFunc(data, func(match []byte) []byte {
		content := string(match[2 : len(match)-1])

		if idx := strings.Index(content, ":-"); idx != -1 {
			if val := os.Getenv(content[:idx]); val != "" {
				return []byte(val)
			}
			return []byte(content[idx+2:])
		}
		return []byte(os.Getenv(content))
	})
}

// parseDuration parses a duration such as "30s", "5m", "1h" or "2d".
// An empty string is zero.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	// day suffix, not supported by time.ParseDuration
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, errors.Wrap(ErrInvalidDuration, s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrap(ErrInvalidDuration, s)
	}
	return dur, nil
}
