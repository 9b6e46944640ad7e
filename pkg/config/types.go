// Package config loads the per-client NBD configuration files (pkg/config)
// that describe how to attach and mount a guest filesystem for each TFTP
// client IP, and the top-level daemon configuration (ServerConfig).
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("absolutepath", func(fl validator.FieldLevel) bool {
		return strings.HasPrefix(fl.Field().String(), "/")
	})
}

// ClientAddr is the textual IPv4 address used as a filesystem key: both the
// name of a client's local override directory and (with a .nbd suffix) its
// NBD config file.
type ClientAddr string

// MountSpec is one entry in a NbdConfig's ordered mount plan. Partition is
// 1-based and refers to libguestfs partition enumeration on the first (and
// only) drive added for the session.
type MountSpec struct {
	Partition  int    `json:"partition" validate:"required,min=1"`
	Mountpoint string `json:"mountpoint" validate:"required,absolutepath"`
}

// NbdConfig is the parsed contents of one <ClientAddr>.nbd file. It is
// immutable once loaded; a reload replaces the ConfigStore entry wholesale,
// never mutates one in place.
type NbdConfig struct {
	URL      string      `json:"url" validate:"required"`
	Mounts   []MountSpec `json:"mounts" validate:"required,min=1,dive"`
	TFTPRoot string      `json:"tftp_root"`
}

// validate checks the decoded config against its struct tags and applies
// the tftp_root default. An empty Mounts list is rejected at parse time
// rather than tolerated as a runtime NotFound, per spec.md §9's open
// question on empty mount lists.
func (c *NbdConfig) validate() error {
	if c.TFTPRoot == "" {
		c.TFTPRoot = "/"
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w", err)
	}
	return nil
}
