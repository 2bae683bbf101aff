package config

import "golang.org/x/exp/slog"

var appDefaults = map[string]map[string]string{
	// Avoids CPU <-> GPU syncs on dynamic buffer maps
	"Anno1800.exe":    {"d3d11.allowMapFlagNoWait": "True"},
	"Dishonored2.exe": {"d3d11.allowMapFlagNoWait": "True"},
	"FarCry5.exe":     {"d3d11.allowMapFlagNoWait": "True"},
	// Submits the same command lists multiple times
	"EvilWithin.exe":     {"d3d11.dcSingleUseMode": "False"},
	"EvilWithinDemo.exe": {"d3d11.dcSingleUseMode": "False"},
}

// AppConfig returns the built-in defaults for an application, or an empty config if there are none
func AppConfig(logger *slog.Logger, appName string) Config {
	options, ok := appDefaults[appName]
	if !ok {
		return Config{}
	}

	logger.Info("Found built-in config", slog.String("app", appName))
	return New(options)
}
