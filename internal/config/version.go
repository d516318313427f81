package config

import "fmt"

// CurrentVersion is the configuration file version this build reads.
const CurrentVersion = 1

// VersionError reports a config file written for another build.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Version <= 0:
		return fmt.Sprintf("config is missing `version` (set it to %d)", e.Current)
	case e.Version > e.Current:
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade taskloop", e.Version, e.Current)
	default:
		return fmt.Sprintf("config version %d is no longer supported (current: %d)", e.Version, e.Current)
	}
}

// ValidateVersion returns a *VersionError unless version is CurrentVersion.
func ValidateVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}
