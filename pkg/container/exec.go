package container

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cuemby/startd/pkg/errdefs"
)

// envWhitelist is what a container process inherits from the host by
// default. SKIP_ENV may name variables to drop, from both the inherited
// and the caller-supplied set.
var envWhitelist = map[string]bool{
	"PATH": true,
	"TERM": true,
	"LANG": true,
}

// ExecOptions configure a process run inside the container.
type ExecOptions struct {
	Command []string
	Env     map[string]string
	Workdir string
	User    string
}

// Exec chroots into the container rootfs and runs the command in a new
// session as the resolved user. The exit status is returned; failures to
// enter the container at all are Lxc errors.
func (c *Container) Exec(ctx context.Context, opts ExecOptions) (int, error) {
	if len(opts.Command) == 0 {
		return -1, errdefs.New(errdefs.KindInvalidRequest, "empty command")
	}
	uid, gid, err := c.resolveUser(opts.User)
	if err != nil {
		return -1, err
	}

	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	cmd.Env = buildEnv(opts.Env)
	cmd.Dir = opts.Workdir
	if cmd.Dir == "" {
		cmd.Dir = "/"
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot: c.Rootfs,
		Setsid: true,
		Credential: &syscall.Credential{
			Uid: uid,
			Gid: gid,
		},
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return -1, errdefs.Newf(errdefs.KindLxc, "exec in container %s: %v", c.Id, err)
	}
	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode(), nil
	}
	return -1, errdefs.Wrap(errdefs.KindLxc, err)
}

// resolveUser maps a user string to uid/gid. A numeric string is used as
// the uid directly; otherwise the name is looked up in the container's
// /etc/passwd. Empty means root.
func (c *Container) resolveUser(user string) (uint32, uint32, error) {
	if user == "" {
		return 0, 0, nil
	}
	if n, err := strconv.ParseUint(user, 10, 32); err == nil {
		return uint32(n), uint32(n), nil
	}
	passwd, err := os.ReadFile(filepath.Join(c.Rootfs, "etc/passwd"))
	if err != nil {
		return 0, 0, errdefs.Newf(errdefs.KindLxc, "read /etc/passwd in container %s: %v", c.Id, err)
	}
	uid, gid, ok := lookupPasswd(string(passwd), user)
	if !ok {
		return 0, 0, errdefs.Newf(errdefs.KindLxc, "unknown user %q in container %s", user, c.Id)
	}
	return uid, gid, nil
}

// lookupPasswd scans passwd(5) content for a user name.
func lookupPasswd(passwd, user string) (uint32, uint32, bool) {
	for _, line := range strings.Split(passwd, "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 4 || fields[0] != user {
			continue
		}
		uid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		gid, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			continue
		}
		return uint32(uid), uint32(gid), true
	}
	return 0, 0, false
}

// buildEnv merges the host whitelist with the caller's variables, honoring
// SKIP_ENV as a comma-separated list of names to drop.
func buildEnv(extra map[string]string) []string {
	skip := make(map[string]bool)
	if v := extra["SKIP_ENV"]; v != "" {
		for _, name := range strings.Split(v, ",") {
			skip[strings.TrimSpace(name)] = true
		}
	}

	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if envWhitelist[name] && !skip[name] {
			env = append(env, kv)
		}
	}
	for name, value := range extra {
		if name == "SKIP_ENV" || skip[name] {
			continue
		}
		env = append(env, name+"="+value)
	}
	return env
}
