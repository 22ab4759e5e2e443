package daemon

// Config carries the daemon's startup settings.
type Config struct {
	// DataDir holds the device metadata database.
	DataDir string
	// DevicesConfigPath points to the watched YAML file with per-device
	// transport overrides.
	DevicesConfigPath string
	// LogLevel overrides the default log level when non-empty.
	LogLevel string
}
