package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownCropType matches any UnknownCropError.
	ErrUnknownCropType = errors.New("unknown crop type")
	// ErrInvalidConfig matches any ConfigError.
	ErrInvalidConfig = errors.New("invalid crop configuration")
)

// UnknownCropError reports a crop type absent from the catalog.
type UnknownCropError struct {
	CropType  string
	Available []string
}

func (e *UnknownCropError) Error() string {
	return fmt.Sprintf("crop type %q not found in configuration; available crops: %s", e.CropType, strings.Join(e.Available, ", "))
}

func (e *UnknownCropError) Is(target error) bool { return target == ErrUnknownCropType }

// ConfigError reports a malformed catalog document.
type ConfigError struct {
	Crop   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Crop == "" {
		return "invalid crop configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid crop configuration for %s: %s", e.Crop, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }
