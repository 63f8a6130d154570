package vpn

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/yllada/shardvpn/common"
)

// Provisioner makes the worker executables available in the work directory.
// Workers ship as lib<name>.so next to their native libraries; they are copied
// out and marked executable before use.
type Provisioner struct {
	InstallDir string
	WorkDir    string
}

// LibraryPath is the LD_LIBRARY_PATH every worker is started with.
func (p *Provisioner) LibraryPath() string {
	return p.InstallDir
}

// Resolve returns an executable path for the named worker. An explicit path is
// used as-is after checking that it is an executable regular file.
func (p *Provisioner) Resolve(name, explicit string) (string, error) {
	if explicit != "" {
		if err := checkExecutable(explicit); err != nil {
			return "", &common.ProvisioningError{Binary: name, Path: explicit, Err: err}
		}
		return explicit, nil
	}

	src := filepath.Join(p.InstallDir, "lib"+name+".so")
	dst := filepath.Join(p.WorkDir, name)

	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", &common.ProvisioningError{Binary: name, Path: src, Err: err}
	}
	if !srcInfo.Mode().IsRegular() {
		return "", &common.ProvisioningError{Binary: name, Path: src, Err: errors.New("not a regular file")}
	}

	if dstInfo, err := os.Stat(dst); err == nil &&
		dstInfo.Size() == srcInfo.Size() &&
		dstInfo.ModTime().Equal(srcInfo.ModTime()) {
		if dstInfo.Mode().Perm()&0111 == 0 {
			if err := os.Chmod(dst, 0755); err != nil {
				return "", &common.ProvisioningError{Binary: name, Path: dst, Err: err}
			}
		}
		return dst, nil
	}

	if err := common.EnsureDir(p.WorkDir); err != nil {
		return "", &common.ProvisioningError{Binary: name, Path: p.WorkDir, Err: err}
	}
	if err := copyExecutable(src, dst, srcInfo); err != nil {
		return "", &common.ProvisioningError{Binary: name, Path: dst, Err: err}
	}
	common.LogDebug("Provisioned %s -> %s", src, dst)
	return dst, nil
}

// copyExecutable writes src to a temporary file beside dst and renames it into
// place, so a worker that is still running from dst keeps its old inode.
func copyExecutable(src, dst string, srcInfo os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0755); err != nil {
		return err
	}
	if err := os.Chtimes(tmpName, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("not executable (mode %v)", info.Mode().Perm())
	}
	return nil
}

// Locate reports where the named worker would be provisioned from without
// copying anything.
func (p *Provisioner) Locate(name, explicit string) (string, error) {
	if explicit != "" {
		if err := checkExecutable(explicit); err != nil {
			return "", &common.ProvisioningError{Binary: name, Path: explicit, Err: err}
		}
		return explicit, nil
	}
	src := filepath.Join(p.InstallDir, "lib"+name+".so")
	info, err := os.Stat(src)
	if err != nil {
		return "", &common.ProvisioningError{Binary: name, Path: src, Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", &common.ProvisioningError{Binary: name, Path: src, Err: errors.New("not a regular file")}
	}
	return src, nil
}
