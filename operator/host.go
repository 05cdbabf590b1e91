package operator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/blawesom/vm-manager/config"
	"github.com/blawesom/vm-manager/operator/qmp"
	"github.com/blawesom/vm-manager/types"
	"github.com/blawesom/vm-manager/utils"
)

const (
	socketPollInterval = 100 * time.Millisecond
	// stderrTailBytes bounds how much of the process log is copied into
	// a launch error.
	stderrTailBytes = 2048
)

// hostController performs real OS operations: qemu-img for images,
// a detached qemu-system process per VM, QMP over the VM's unix socket.
type hostController struct {
	conf *config.Config
}

// compile-time interface check.
var _ Controller = (*hostController)(nil)

func newHostController(conf *config.Config) *hostController {
	return &hostController{conf: conf}
}

func (c *hostController) CreateDisk(ctx context.Context, path string, sizeGB int) error {
	if utils.FileExists(path) {
		return fmt.Errorf("%w: %s already exists", ErrDiskCreationFailed, path)
	}
	img, err := exec.LookPath(c.conf.QemuImgBinary)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, c.conf.QemuImgBinary)
	}
	if err := utils.EnsureDirs(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%w: %v", ErrDiskCreationFailed, err)
	}

	cmd := exec.CommandContext(ctx, img, "create", "-f", "qcow2", path, strconv.Itoa(sizeGB)+"G") //nolint:gosec
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: qemu-img: %v: %s", ErrDiskCreationFailed, err, out)
	}
	return nil
}

func (c *hostController) DeleteDisk(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrDiskNotFound, path)
		}
		return fmt.Errorf("delete disk %s: %w", path, err)
	}
	return nil
}

func (c *hostController) DiskExists(path string) bool {
	return utils.FileExists(path)
}

func (c *hostController) CopyImage(_ context.Context, src, dst string) error {
	if err := utils.EnsureDirs(filepath.Dir(dst)); err != nil {
		return fmt.Errorf("%w: %v", ErrDiskCreationFailed, err)
	}
	if err := utils.CopyFile(src, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrDiskCreationFailed, err)
	}
	return nil
}

// Launch starts QEMU detached from this process, redirects its output
// to the VM log, writes the PID file, and waits for the QMP socket.
func (c *hostController) Launch(ctx context.Context, spec *LaunchSpec) (int, error) {
	logger := log.WithFunc("operator.Launch")

	bin, err := exec.LookPath(c.conf.QemuBinary)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrBinaryNotFound, c.conf.QemuBinary)
	}
	if err := c.conf.EnsureVMDir(spec.VMID); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	// A stale socket from a previous run makes the readiness wait lie.
	_ = os.Remove(spec.SocketPath)

	logFile, err := os.Create(spec.LogPath) //nolint:gosec
	if err != nil {
		logger.Warnf(ctx, "create process log: %v", err)
	} else {
		defer logFile.Close() //nolint:errcheck
	}

	cmd := exec.Command(bin, buildQemuArgs(spec)...) //nolint:gosec
	// Detach from the parent process group so QEMU survives if this
	// process exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: exec %s: %v", ErrLaunchFailed, bin, err)
	}
	pid := cmd.Process.Pid

	if err := utils.WritePIDFile(spec.PIDFile, pid); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 0, fmt.Errorf("%w: write PID file: %v", ErrLaunchFailed, err)
	}

	if err := c.waitForSocket(ctx, spec, pid); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = os.Remove(spec.PIDFile)
		return 0, err
	}

	// Release the process handle: QEMU is fully detached from this runtime.
	_ = cmd.Process.Release()
	return pid, nil
}

// waitForSocket polls until the QMP socket is connectable, the process
// exits, or the startup timeout fires.
func (c *hostController) waitForSocket(ctx context.Context, spec *LaunchSpec, pid int) error {
	timeout := time.Duration(c.conf.StartupTimeoutSeconds) * time.Second
	err := utils.WaitFor(ctx, timeout, socketPollInterval, func() (bool, error) {
		if checkSocket(spec.SocketPath) == nil {
			return true, nil
		}
		if !utils.IsProcessAlive(pid) {
			tail := utils.TailFile(spec.LogPath, stderrTailBytes)
			return false, fmt.Errorf("%w: process exited before socket was ready: %s", ErrLaunchFailed, tail)
		}
		return false, nil
	})
	if err != nil && !errors.Is(err, ErrLaunchFailed) {
		return fmt.Errorf("%w: %s after %s", ErrStartupTimeout, spec.SocketPath, timeout)
	}
	return err
}

func (c *hostController) Alive(pid int, socketPath string) bool {
	return utils.VerifyProcessCmdline(pid, c.conf.QemuBinary, socketPath)
}

func (c *hostController) Signal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %d to %d: %w", sig, pid, err)
	}
	return nil
}

func (c *hostController) Monitor(socketPath string) qmp.Monitor {
	return qmp.NewClient(socketPath, qmp.DefaultTimeout)
}

func (c *hostController) CleanupRuntime(vmID string) {
	_ = os.Remove(c.conf.VMPIDFile(vmID))
	_ = os.Remove(c.conf.VMSocketPath(vmID))
}

func (c *hostController) RemoveVMDir(vmID string) error {
	return os.RemoveAll(c.conf.VMDir(vmID))
}

// buildQemuArgs converts a LaunchSpec to the qemu-system command line.
func buildQemuArgs(spec *LaunchSpec) []string {
	args := []string{
		"-name", spec.VMID,
		"-machine", "type=q35,accel=kvm:tcg",
		"-cpu", "max",
		"-smp", strconv.Itoa(spec.CPUCount),
		"-m", strconv.Itoa(spec.RAMGB) + "G",
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio,id=drive0", spec.DiskPath),
	}

	if spec.HasNet && spec.Net.Mode == types.AllocationBridged {
		args = append(args,
			"-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", spec.Net.TapName),
			"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", spec.Net.MAC),
		)
	} else {
		// Isolated fallback: no host interface required.
		args = append(args, "-netdev", "user,id=net0", "-device", "virtio-net-pci,netdev=net0")
	}

	args = append(args,
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", spec.SocketPath),
		"-display", "none",
		"-no-reboot",
	)
	return args
}

// checkSocket verifies that a unix socket is connectable.
func checkSocket(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}
