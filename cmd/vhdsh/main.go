// Command vhdsh is a small REPL over a single vhdfs image file, in the
// spirit of a toy UNIX shell: open (and format, if necessary) the backing
// file named on the command line, then read commands from stdin until
// `quit` or EOF.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tessera-fs/vhdfs/errno"
	"github.com/tessera-fs/vhdfs/vfs"
	"github.com/tessera-fs/vhdfs/vinode"
)

func main() {
	app := &cli.App{
		Name:      "vhdsh",
		Usage:     "Shell over a vhdfs virtual disk image",
		ArgsUsage: "<vhd_path>",
		Action:    run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Println("vhdsh:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("missing required argument: <vhd_path>", 1)
	}

	fs, err := vfs.Mount(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot open %s: %s", path, err), 1)
	}

	repl(fs)
	return nil
}

func repl(fs *vfs.FileSystem) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		cmd, args := fields[0], fields[1:]
		if cmd == "quit" {
			return
		}
		if err := dispatch(fs, cmd, args); err != nil {
			fmt.Fprintln(os.Stderr, "vhdsh:", err)
		}
	}
}

func dispatch(fs *vfs.FileSystem, cmd string, args []string) error {
	switch cmd {
	case "ls":
		return cmdLs(fs, args)
	case "mkdir":
		return cmdMkdir(fs, args)
	case "touch":
		return cmdTouch(fs, args)
	case "stat":
		return cmdStat(fs, args)
	case "read":
		return cmdRead(fs, args)
	case "write":
		return cmdWrite(fs, args)
	case "migrate":
		return cmdMigrate(fs, args)
	case "retrieve":
		return cmdRetrieve(fs, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdLs(fs *vfs.FileSystem, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: ls <path>")
	}

	in, derr := fs.Stat(args[0])
	if derr != nil {
		return derr
	}
	if !in.IsDir() {
		return fmt.Errorf("not a directory: %s", args[0])
	}

	for _, name := range fs.ListDir(args[0]) {
		fmt.Println(name)
	}
	return nil
}

func cmdMkdir(fs *vfs.FileSystem, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: mkdir <path>")
	}
	_, derr := fs.Mkdir(args[0])
	return derrOrNil(derr)
}

func cmdTouch(fs *vfs.FileSystem, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: touch <path>")
	}
	_, derr := fs.Mknod(args[0], vinode.TypeRegular)
	return derrOrNil(derr)
}

func cmdStat(fs *vfs.FileSystem, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: stat <path>")
	}
	in, derr := fs.Stat(args[0])
	if derr != nil {
		return derr
	}
	fmt.Printf("inode=%d type=%d linkcnt=%d size=%d\n", in.Num, in.Type, in.Linkcnt, in.Size)
	return nil
}

func cmdRead(fs *vfs.FileSystem, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: read <path> <off> <sz>")
	}
	off, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return err
	}
	sz, err := strconv.Atoi(args[2])
	if err != nil {
		return err
	}

	buf := make([]byte, sz)
	n, derr := fs.ReadAt(args[0], buf, off)
	if derr != nil {
		return derr
	}
	fmt.Printf("%x\n", buf[:n])
	return nil
}

func cmdWrite(fs *vfs.FileSystem, args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: write <path> <off> <sz> <hex_bytes>")
	}
	off, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return err
	}
	sz, err := strconv.Atoi(args[2])
	if err != nil {
		return err
	}

	raw, err := hex.DecodeString(args[3])
	if err != nil {
		return fmt.Errorf("bytes must be hex-encoded: %w", err)
	}
	if len(raw) < sz {
		raw = append(raw, make([]byte, sz-len(raw))...)
	}
	n, derr := fs.WriteAt(args[0], raw[:sz], off)
	if derr != nil {
		return derr
	}
	fmt.Printf("wrote %d bytes\n", n)
	return nil
}

// migrate copies a file out of the image onto the host filesystem: the
// "export" collaborator spec.md places out of the core but still names as
// part of the shell.
func cmdMigrate(fs *vfs.FileSystem, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: migrate <vfs_path> <host_path>")
	}

	in, derr := fs.Stat(args[0])
	if derr != nil {
		return derr
	}

	buf := make([]byte, in.Size)
	n, derr := fs.ReadAt(args[0], buf, 0)
	if derr != nil {
		return derr
	}

	return os.WriteFile(args[1], buf[:n], 0644)
}

// retrieve copies a host file into the image: the "import" collaborator.
func cmdRetrieve(fs *vfs.FileSystem, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: retrieve <host_path> <vfs_path>")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	if _, derr := fs.Stat(args[1]); derr != nil {
		if _, derr := fs.Mknod(args[1], vinode.TypeRegular); derr != nil {
			return derr
		}
	}

	if _, derr := fs.WriteAt(args[1], data, 0); derr != nil {
		return derr
	}
	return nil
}

func derrOrNil(derr *errno.DriverError) error {
	if derr == nil {
		return nil
	}
	return derr
}
