// The ussl client connects to a running daemon, either as an
// interactive shell or in single-command mode.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
)

type options struct {
	Host     string `short:"H" long:"host" env:"USSL_HOST" default:"127.0.0.1" description:"Server hostname"`
	Port     uint16 `short:"p" long:"port" env:"USSL_PORT" default:"6380" description:"Server port"`
	Password string `short:"a" long:"password" env:"USSL_PASSWORD" description:"Password for authentication"`
	Command  string `short:"c" long:"command" description:"Execute command and exit"`
	Quiet    bool   `short:"q" long:"quiet" description:"Quiet mode (no banner)"`
}

const readTimeout = 5 * time.Second

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	c, err := connect(addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("%v", err))
		os.Exit(1)
	}
	defer c.conn.Close()

	if opts.Password != "" {
		if err := c.execute("AUTH " + opts.Password); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Authentication failed: %v", err))
			os.Exit(1)
		}
		if !opts.Quiet {
			fmt.Println(color.GreenString("Authenticated."))
		}
	}

	if !opts.Quiet {
		printBanner(addr, opts.Password != "")
	}

	// Single command mode
	if opts.Command != "" {
		if err := c.execute(opts.Command); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
			os.Exit(1)
		}
		return
	}

	repl(c)
}

// client holds one protocol connection with a read deadline per frame.
type client struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
}

func connect(addr string) (*client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &client{addr: addr, conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (c *client) readLine() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// execute sends one command and renders whatever frame comes back.
func (c *client) execute(cmd string) error {
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return err
	}

	response, err := c.readLine()
	if err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(response, "+PONG"):
		fmt.Println(color.GreenString("PONG"))
	case strings.HasPrefix(response, "+OK"):
		fmt.Println(color.GreenString("%s", response))
	case strings.HasPrefix(response, "-ERR"):
		fmt.Println(color.RedString("%s", response))
	case strings.HasPrefix(response, ":"):
		fmt.Println(color.YellowString("%s", response[1:]))
	case response == "$-1":
		fmt.Println(color.New(color.Faint).Sprint("(nil)"))
	case strings.HasPrefix(response, "$"):
		data, err := c.readLine()
		if err != nil {
			return err
		}
		fmt.Println(data)
	case strings.HasPrefix(response, "*"):
		count, _ := strconv.Atoi(response[1:])
		for i := 0; i < count; i++ {
			element, err := c.readLine()
			if err != nil {
				return err
			}
			// Elements are bulk-framed; swap the $len header for the
			// payload line
			if strings.HasPrefix(element, "$") && element != "$-1" {
				if element, err = c.readLine(); err != nil {
					return err
				}
			}
			fmt.Printf("%d) %s\n", i+1, element)
		}
	case strings.HasPrefix(response, "#"):
		fmt.Println(color.BlueString("Delta: %s", response))
	default:
		fmt.Println(response)
	}
	return nil
}

func repl(c *client) {
	scanner := bufio.NewScanner(os.Stdin)
	prompt := color.GreenString("ussl") + "> "

	for {
		fmt.Print(prompt)
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// Local commands never reach the server, except quit which
		// says goodbye first
		switch strings.ToUpper(line) {
		case "QUIT", "EXIT":
			_ = c.execute("QUIT")
			return
		case "HELP":
			printHelp()
			continue
		case "CLEAR":
			fmt.Print("\x1B[2J\x1B[1;1H")
			continue
		}

		if err := c.execute(line); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))

			next, cerr := connect(c.addr)
			if cerr != nil {
				fmt.Fprintln(os.Stderr, color.RedString("Connection lost."))
				return
			}
			c.conn.Close()
			*c = *next
			fmt.Println(color.YellowString("Reconnected."))
		}
	}
}

func printBanner(addr string, authenticated bool) {
	status := ""
	if authenticated {
		status = " (authenticated)"
	}
	fmt.Println(color.CyanString(`
  ╦ ╦╔═╗╔═╗╦    CLI
  ║ ║╚═╗╚═╗║    Connected to %s%s
  ╚═╝╚═╝╚═╝╩═╝  Type 'help' for commands, 'quit' to exit
`, addr, status))
}

func printHelp() {
	title := color.New(color.FgCyan, color.Bold)
	section := color.New(color.FgYellow, color.Bold)

	fmt.Printf(`
%s

%s
  AUTH <password>                        Authenticate with server

%s
  CREATE <id> [STRATEGY <s>] [TTL <ms>]  Create a new document
  GET <id> [PATH <path>]                 Get document or path value
  SET <id> <path> <value>                Set value at path
  DEL <id> [PATH <path>]                 Delete document or path
  KEYS [pattern]                         List document IDs

%s
  SUB <pattern>                          Subscribe to document changes
  UNSUB <pattern>                        Unsubscribe from changes

%s
  PUSH <id> <path> <value>               Append value to array
  INC <id> <path> [delta]                Increment counter (default: 1)
  COMPACT <id>                           Force state compaction

%s
  PRESENCE <id> [DATA <json>]            Get/set presence info

%s
  PING                                   Check connection
  INFO                                   Server information
  QUIT                                   Close connection

%s
  help                                   Show this help
  clear                                  Clear screen
  quit/exit                              Exit CLI

%s
  lww          Last-Writer-Wins (default)
  crdt-counter Convergent counter
  crdt-set     Add/Remove set
  crdt-map     Nested map with LWW per key
  crdt-text    Collaborative text editing
`,
		title.Sprint("USSL Commands"),
		section.Sprint("Authentication"),
		section.Sprint("Documents"),
		section.Sprint("Subscriptions"),
		section.Sprint("Operations"),
		section.Sprint("Presence"),
		section.Sprint("Server"),
		section.Sprint("Local"),
		section.Sprint("Strategies"),
	)
}
