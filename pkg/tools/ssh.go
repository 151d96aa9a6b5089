package tools

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// remoteExecTool runs a command on another host over SSH. Like shell, it
// defers: a goroutine waits out the command and patches the outcome.
type remoteExecTool struct {
	journal Patcher
	timeout time.Duration
}

func NewRemoteExecTool(journal Patcher, timeout time.Duration) Tool {
	return &remoteExecTool{journal: journal, timeout: timeout}
}

func (t *remoteExecTool) Name() string { return "remote_exec" }
func (t *remoteExecTool) Description() string {
	return "Execute remote SSH command. Args: host, command"
}

func (t *remoteExecTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	host, _ := args["host"].(string)
	command, _ := args["command"].(string)
	if host == "" || command == "" {
		return done(map[string]interface{}{"status": "error", "message": "host and command are required"})
	}

	go t.run(turnID, host, command)
	return Outcome{Deferred: true}, nil
}

func (t *remoteExecTool) run(turnID, host, command string) {
	stdout, stderr, err := sshRun(host, command, t.timeout)
	if err != nil {
		t.journal.PatchOutcome(context.Background(), turnID,
			map[string]interface{}{"error": err.Error()}, true)
		return
	}
	t.journal.PatchOutcome(context.Background(), turnID, map[string]interface{}{
		"stdout": Machete(stdout),
		"stderr": Machete(stderr),
	}, true)
}

// spawnAgentTool provisions a sibling agent on a remote host by running its
// spawn script over SSH.
type spawnAgentTool struct {
	remote *remoteExecTool
}

func NewSpawnAgentTool(journal Patcher, timeout time.Duration) Tool {
	return &spawnAgentTool{remote: &remoteExecTool{journal: journal, timeout: timeout}}
}

func (t *spawnAgentTool) Name() string { return "spawn_agent" }
func (t *spawnAgentTool) Description() string {
	return "Clone self onto another host. Args: host, spawn_script (optional)"
}

func (t *spawnAgentTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	host, _ := args["host"].(string)
	if host == "" {
		return done(map[string]interface{}{"status": "error", "message": "host is required"})
	}
	script, _ := args["spawn_script"].(string)
	if script == "" {
		script = "spawn_agent_lxc.sh"
	}

	go t.remote.run(turnID, host, "bash "+script)
	return Outcome{Deferred: true}, nil
}

// sshRun opens a session as the current user, preferring the local SSH
// agent and falling back to the default key files.
func sshRun(host, command string, timeout time.Duration) (string, string, error) {
	auth, err := sshAuthMethods()
	if err != nil {
		return "", "", err
	}
	u, err := user.Current()
	if err != nil {
		return "", "", fmt.Errorf("cannot resolve local user: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            u.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return "", "", fmt.Errorf("ssh connect to %s failed: %w", host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("ssh session failed: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(command) }()

	select {
	case err := <-errCh:
		if err != nil {
			if _, ok := err.(*ssh.ExitError); !ok {
				return stdout.String(), stderr.String(), fmt.Errorf("ssh run failed: %w", err)
			}
		}
		return stdout.String(), stderr.String(), nil
	case <-time.After(timeout):
		session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), fmt.Errorf("ssh command timed out after %s", timeout)
	}
}

func sshAuthMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		for _, name := range []string{"id_ed25519", "id_rsa"} {
			key, err := os.ReadFile(filepath.Join(home, ".ssh", name))
			if err != nil {
				continue
			}
			signer, err := ssh.ParsePrivateKey(key)
			if err != nil {
				continue
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable SSH credentials (agent or key files)")
	}
	return methods, nil
}
