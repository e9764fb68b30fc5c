// Package shell is the interactive front end shared by the local and the
// remote client.
package shell

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"

	"tvam/engine"
)

const (
	prompt      = "tvam> "
	blockPrompt = "tvam*> "
)

// Executor runs command lines, in process or over the wire.
type Executor interface {
	Execute(line string) (engine.ResultSet, error)
	Status() (*engine.Status, error)
}

type Shell struct {
	Executor    Executor
	HistoryPath string
	ShowHeaders bool

	out     io.Writer
	inBlock bool
}

func New(exec Executor, out io.Writer) *Shell {
	home, _ := os.UserHomeDir()
	return &Shell{
		Executor:    exec,
		HistoryPath: filepath.Join(home, ".tvam_history"),
		ShowHeaders: true,
		out:         out,
	}
}

// Execute runs one line: a meta command when it starts with "!", otherwise
// an engine command.
func (s *Shell) Execute(input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if strings.HasPrefix(input, "!") {
		return s.ExecuteCommand(input)
	}
	return s.ExecuteQuery(input)
}

func (s *Shell) ExecuteCommand(input string) error {
	parts := strings.Fields(input)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "!headers":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return errors.New("usage: !headers <on|off>")
		}
		s.ShowHeaders = args[0] == "on"
		fmt.Fprintf(s.out, "Headers %s\n", args[0])

	case "!help":
		fmt.Fprintln(s.out, "Commands:")
		w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
		for _, u := range engine.Usage {
			fmt.Fprintf(w, "    %s\t%s\n", u.Command, u.Help)
		}
		fmt.Fprintf(w, "    %s\t%s\n", "!headers <on|off>", "toggle column headers")
		fmt.Fprintf(w, "    %s\t%s\n", "!status", "show engine status")
		fmt.Fprintf(w, "    %s\t%s\n", "!help", "show this help")
		return w.Flush()

	case "!status":
		status, err := s.Executor.Status()
		if err != nil {
			return err
		}
		statusJSON, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, string(statusJSON))

	default:
		return errors.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func (s *Shell) ExecuteQuery(query string) error {
	result, err := s.Executor.Execute(query)
	if err != nil {
		return err
	}
	return s.Print(result)
}

// Print writes a result the way the shell shows it.
func (s *Shell) Print(result engine.ResultSet) error {
	switch res := result.(type) {
	case *engine.BeginResultSet:
		s.inBlock = true
		fmt.Fprintf(s.out, "Began transaction %d\n", res.Xid)
	case *engine.CommitResultSet:
		s.inBlock = false
		fmt.Fprintf(s.out, "Committed transaction %d\n", res.Xid)
	case *engine.RollbackResultSet:
		s.inBlock = false
		fmt.Fprintf(s.out, "Rolled back transaction %d\n", res.Xid)
	case *engine.CreateTableResultSet:
		fmt.Fprintf(s.out, "Created %s table %s using %s (oid %d)\n", res.Persistence, res.Name, res.AccessMethod, res.Oid)
	case *engine.DropTableResultSet:
		fmt.Fprintf(s.out, "Dropped table %s\n", res.Name)
	case *engine.InsertResultSet:
		fmt.Fprintf(s.out, "Inserted %d rows: %s\n", len(res.Tids), strings.Join(res.Tids, " "))
	case *engine.UpdateResultSet:
		fmt.Fprintf(s.out, "Updated %s to %s\n", res.Old, res.New)
	case *engine.DeleteResultSet:
		fmt.Fprintf(s.out, "Deleted %s\n", res.Tid)
	case *engine.LockResultSet:
		fmt.Fprintf(s.out, "Locked %s\n", res.Tid)
	case *engine.TruncateResultSet:
		fmt.Fprintf(s.out, "Truncated %s\n", res.Name)
	case *engine.VacuumResultSet:
		fmt.Fprintf(s.out, "Removed %d multixacts\n", res.MultiXacts)
	case *engine.QueryResultSet:
		w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
		if s.ShowHeaders && len(res.Columns) != 0 {
			fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
		}
		for _, row := range res.Rows {
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "(%d rows)\n", len(res.Rows))
	default:
		return errors.Errorf("unexpected result %T", result)
	}
	return nil
}

// Run reads lines until EOF or interrupt.
func (s *Shell) Run() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     s.HistoryPath,
		AutoComplete:    s.CreateCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          s.out,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		if s.inBlock {
			rl.SetPrompt(blockPrompt)
		} else {
			rl.SetPrompt(prompt)
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if strings.TrimSpace(line) == "!exit" {
			return nil
		}
		if err = s.Execute(line); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	}
}

func (s *Shell) CreateCompleter() *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface
	for _, u := range engine.Usage {
		items = append(items, readline.PcItem(strings.Fields(u.Command)[0]))
	}
	for _, meta := range []string{"!help", "!headers", "!status", "!exit"} {
		items = append(items, readline.PcItem(meta))
	}
	return readline.NewPrefixCompleter(items...)
}
