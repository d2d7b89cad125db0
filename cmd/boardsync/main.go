package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/ergochat/readline"

	"github.com/drpcorg/boardsync"
	"github.com/drpcorg/boardsync/lww"
	"github.com/drpcorg/boardsync/transport"
	"github.com/drpcorg/boardsync/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("listen"),
	readline.PcItem("connect"),
	readline.PcItem("create"),
	readline.PcItem("update"),
	readline.PcItem("delete"),
	readline.PcItem("show"),
	readline.PcItem("flush"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const usage = `commands:
  listen <addr>          accept peers on addr
  connect <addr>         dial a peer
  create <id> <json>     create an object, e.g. create o1 {"x":1}
  update <id> <json>     edit fields of an object
  delete <id>            delete an object
  show [id]              print one object or all of them
  flush                  force out everything pending
  exit | quit
`

func parseFields(raw string) (lww.Fields, error) {
	var fields lww.Fields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func showObjects(r *boardsync.Replica, args []string) {
	if len(args) > 0 {
		for _, id := range strings.Fields(strings.Join(args, " ")) {
			obj, ok := r.Store().Get(id)
			if !ok {
				_, _ = fmt.Fprintf(os.Stderr, "unknown object %s\n", id)
				continue
			}
			printObject(id, obj)
		}
		return
	}
	var ids []string
	r.Store().Range(func(id string, _ lww.Fields) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	for _, id := range ids {
		obj, _ := r.Store().Get(id)
		printObject(id, obj)
	}
}

func printObject(id string, obj lww.Fields) {
	jsn, err := json.Marshal(obj)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		return
	}
	fmt.Printf("%s\t%s\n", id, jsn)
}

func main() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     "/tmp/boardsync.history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	opts, err := boardsync.OptionsFromEnv()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-2)
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}

	ctx := context.Background()
	tcp := transport.NewTCP(opts.Logger)
	re, err := boardsync.NewReplica(tcp, opts)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	fmt.Printf("replica %s (%s)\n", re.ID(), re.Policy())

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args := strings.SplitN(line, " ", 3)
		cmd := args[0]
		args = args[1:]
		err = nil
		switch cmd {
		case "help":
			fmt.Print(usage)
		case "listen":
			if len(args) < 1 {
				err = fmt.Errorf("usage: listen <addr>")
				break
			}
			if err = tcp.Listen(ctx, args[0]); err == nil {
				fmt.Printf("listening on %s\n", tcp.Addr(args[0]))
			}
		case "connect":
			if len(args) < 1 {
				err = fmt.Errorf("usage: connect <addr>")
				break
			}
			err = tcp.Connect(ctx, args[0])
		case "create":
			if len(args) < 2 {
				err = fmt.Errorf("usage: create <id> <json>")
				break
			}
			var fields lww.Fields
			if fields, err = parseFields(args[1]); err == nil {
				err = re.CreateObject(args[0], fields)
			}
		case "update":
			if len(args) < 2 {
				err = fmt.Errorf("usage: update <id> <json>")
				break
			}
			var fields lww.Fields
			if fields, err = parseFields(args[1]); err == nil {
				err = re.UpdateObject(args[0], fields)
			}
		case "delete":
			if len(args) < 1 {
				err = fmt.Errorf("usage: delete <id>")
				break
			}
			err = re.DeleteObject(args[0])
		case "show", "list":
			showObjects(re, args)
		case "flush":
			err = re.FlushBroadcast()
		case "exit", "quit":
			ex := 0
			if err = re.Close(); err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err.Error())
				ex = -1
			}
			_ = tcp.Close()
			os.Exit(ex)
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
	_ = re.Close()
	_ = tcp.Close()
}
