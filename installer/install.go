// Package installer lays out the directories and default config of a hub
// installation.
package installer

import (
	"io"
	"os"
	"path/filepath"

	"github.com/deviceio/relay/config"
	"github.com/palantir/stacktrace"
	"github.com/sirupsen/logrus"
)

// Options ...
type Options struct {
	// ConfigDir receives config.yaml and the ssl folder.
	ConfigDir string

	// BinDir, when set, receives a copy of the running executable.
	BinDir string

	Logger logrus.FieldLogger
}

// Install creates the installation folders, writes the default config when
// none exists and optionally copies the binary. It returns the config path.
func Install(opts *Options) (string, error) {
	logger := opts.Logger

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	folders := []string{
		opts.ConfigDir,
		filepath.Join(opts.ConfigDir, "ssl"),
	}

	if opts.BinDir != "" {
		folders = append(folders, opts.BinDir)
	}

	for _, folder := range folders {
		if err := os.MkdirAll(folder, 0700); err != nil {
			return "", stacktrace.Propagate(err, "failed to create %v", folder)
		}
	}

	cfgpath := filepath.Join(opts.ConfigDir, "config.yaml")

	if Exists(cfgpath) {
		logger.WithField("path", cfgpath).Info("config exists, leaving it untouched")
	} else {
		if err := config.WriteDefault(cfgpath); err != nil {
			return "", err
		}
		logger.WithField("path", cfgpath).Info("default config written")
	}

	if opts.BinDir != "" {
		if err := CopyBinary(opts.BinDir); err != nil {
			return "", err
		}
	}

	return cfgpath, nil
}

// CopyBinary copies the running executable into dir.
func CopyBinary(dir string) error {
	exe, err := os.Executable()

	if err != nil {
		return stacktrace.Propagate(err, "failed to locate executable")
	}

	dst := filepath.Join(dir, "deviceio-relay")

	if err = Copy(dst, exe); err != nil {
		return stacktrace.Propagate(err, "failed to copy %v to %v", exe, dst)
	}

	return os.Chmod(dst, 0700)
}

func Copy(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	cerr := out.Close()
	if err != nil {
		return err
	}
	return cerr
}

func Exists(path string) bool {
	_, err := os.Stat(path)

	return !os.IsNotExist(err)
}
