package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"

	socketPath string
	debug      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if debug {
			printCauses(err)
		}
		os.Exit(1)
	}
}

func printCauses(err error) {
	depth := 1
	for {
		err = errors.Unwrap(err)
		if err == nil {
			return
		}
		for i := 0; i < depth; i++ {
			fmt.Fprint(os.Stderr, "  ")
		}
		fmt.Fprintf(os.Stderr, "caused by: %v\n", err)
		depth++
	}
}

var rootCmd = &cobra.Command{
	Use:     "start-cli",
	Short:   "start-cli - operator CLI for startd",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/startos/rpc.sock", "Path to the startd RPC socket")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Print the full cause chain on errors")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(packageCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(sshCmd)
	rootCmd.AddCommand(lxcCmd)
	rootCmd.AddCommand(s9pkCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(echoCmd)
}

// call sends one JSON-RPC request over the daemon's unix socket and prints
// the result as indented JSON.
func call(method string, params interface{}) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return errdefs.Newf(errdefs.KindNetwork, "connect to startd at %s: %v", socketPath, err)
	}
	defer conn.Close()

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return errdefs.Wrap(errdefs.KindNetwork, err)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return errdefs.Wrap(errdefs.KindNetwork, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	if len(resp.Result) > 0 && string(resp.Result) != "null" {
		var pretty interface{}
		if err := json.Unmarshal(resp.Result, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		}
	}
	return nil
}

var echoCmd = &cobra.Command{
	Use:   "echo <message>",
	Short: "Round-trip a message through the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("echo", map[string]string{"message": args[0]})
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Server operations",
}

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Package lifecycle operations",
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database operations",
}

var sshCmd = &cobra.Command{
	Use:   "ssh",
	Short: "SSH key management",
}

var lxcCmd = &cobra.Command{
	Use:   "lxc",
	Short: "Container inspection",
}

var s9pkCmd = &cobra.Command{
	Use:   "s9pk",
	Short: "Package archive tools",
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup operations",
}

func init() {
	serverCmd.AddCommand(
		&cobra.Command{
			Use:   "info",
			Short: "Show server info",
			RunE:  func(cmd *cobra.Command, args []string) error { return call("server.info", nil) },
		},
		&cobra.Command{
			Use:   "time",
			Short: "Show server time",
			RunE:  func(cmd *cobra.Command, args []string) error { return call("server.time", nil) },
		},
		&cobra.Command{
			Use:   "shutdown",
			Short: "Shut the server down",
			RunE:  func(cmd *cobra.Command, args []string) error { return call("server.shutdown", nil) },
		},
	)

	packageCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List installed packages",
			RunE:  func(cmd *cobra.Command, args []string) error { return call("package.list", nil) },
		},
		&cobra.Command{
			Use:   "install <path>",
			Short: "Install a package from an s9pk file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("package.install", map[string]string{"path": args[0]})
			},
		},
		&cobra.Command{
			Use:   "update <path>",
			Short: "Update a package from an s9pk file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("package.update", map[string]string{"path": args[0]})
			},
		},
		&cobra.Command{
			Use:   "uninstall <id>",
			Short: "Uninstall a package",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("package.uninstall", map[string]string{"id": args[0]})
			},
		},
		&cobra.Command{
			Use:   "start <id>",
			Short: "Start a service",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("package.start", map[string]string{"id": args[0]})
			},
		},
		&cobra.Command{
			Use:   "stop <id>",
			Short: "Stop a service",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("package.stop", map[string]string{"id": args[0]})
			},
		},
		&cobra.Command{
			Use:   "restart <id>",
			Short: "Restart a service",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("package.restart", map[string]string{"id": args[0]})
			},
		},
		&cobra.Command{
			Use:   "backup <id>",
			Short: "Snapshot a package's volumes",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("package.backup", map[string]string{"id": args[0]})
			},
		},
	)

	dbCmd.AddCommand(
		&cobra.Command{
			Use:   "dump",
			Short: "Dump the public database",
			RunE:  func(cmd *cobra.Command, args []string) error { return call("db.dump", nil) },
		},
		&cobra.Command{
			Use:   "revision",
			Short: "Show the current database revision",
			RunE:  func(cmd *cobra.Command, args []string) error { return call("db.revision", nil) },
		},
	)

	sshCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List authorized SSH keys",
			RunE:  func(cmd *cobra.Command, args []string) error { return call("ssh.list", nil) },
		},
		&cobra.Command{
			Use:   "add <pubkey>",
			Short: "Authorize an SSH key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("ssh.add", map[string]string{"key": args[0]})
			},
		},
		&cobra.Command{
			Use:   "remove <pubkey>",
			Short: "Revoke an SSH key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("ssh.remove", map[string]string{"key": args[0]})
			},
		},
	)

	lxcCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List service containers",
			RunE:  func(cmd *cobra.Command, args []string) error { return call("lxc.list", nil) },
		},
	)

	s9pkCmd.AddCommand(
		&cobra.Command{
			Use:   "inspect <path>",
			Short: "Print a package archive's manifest",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("s9pk.inspect", map[string]string{"path": args[0]})
			},
		},
	)

	backupCmd.AddCommand(
		&cobra.Command{
			Use:   "create <id>...",
			Short: "Back up one or more packages",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("backup.create", map[string]interface{}{"package-ids": args})
			},
		},
	)
}
