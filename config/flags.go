package config

import (
	"flag"
)

// Flags are the command line options of the service binary.
type Flags struct {
	ConfigPath string
	Setup      bool
}

// ParseFlags reads os.Args into Flags.
func ParseFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to yaml config (default $"+EnvConfigPath+" or "+DefaultConfigPath+")")
	flag.BoolVar(&f.Setup, "setup", false, "run the interactive configuration wizard")
	flag.Parse()
	return f
}
