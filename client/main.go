package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"tvam/gobReg"
	"tvam/shell"
)

type Options struct {
	Command string
	Host    string
	Port    uint
	History string
}

func ParseArgs() *Options {
	opts := &Options{}
	pflag.StringVarP(&opts.Host, "host", "H", "127.0.0.1", "Host to connect to")
	pflag.UintVarP(&opts.Port, "port", "p", 9605, "Port number to connect to")
	pflag.StringVar(&opts.History, "history", "", "History file (default ~/.tvam_history)")
	pflag.Parse()

	if args := pflag.Args(); len(args) > 0 {
		opts.Command = strings.Join(args, " ")
	}
	return opts
}

func main() {
	gobReg.GobRegMain()
	opts := ParseArgs()

	client, err := Dial(fmt.Sprintf("%s:%d", opts.Host, opts.Port))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Close()

	sh := shell.New(client, os.Stdout)
	if opts.History != "" {
		sh.HistoryPath = opts.History
	}

	if opts.Command != "" {
		if err = sh.Execute(opts.Command); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			client.Close()
			os.Exit(1)
		}
		return
	}
	if err = sh.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
