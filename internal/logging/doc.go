// Package logging provides structured logging for the mvdb storage engine.
//
// # Overview
//
// Log output goes through the rotating file logger of
// github.com/bitmark-inc/logger. Each component logs on its own channel
// and adds key-value pairs to every message:
//
//	if err := logging.Initialise(logging.Config{
//	    Directory: "/var/lib/mvdb/log",
//	    File:      "mvdb.log",
//	    Level:     "info",
//	}); err != nil {
//	    return err
//	}
//	defer logging.Finalise()
//
//	log := logging.New("store")
//	log.Info("store opened", "file", name, "version", v)
//
// Until Initialise has been called, New returns a logger that discards
// everything, so library code can log unconditionally.
package logging
