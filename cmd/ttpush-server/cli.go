package main

import "flag"

// Options holds CLI options for the server.
type Options struct {
    ConfigPath string
    Listen     string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
    fs := flag.NewFlagSet("ttpush-server", flag.ExitOnError)
    var opts Options
    fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
    fs.StringVar(&opts.Listen, "listen", "", "Listen address override (host:port)")
    _ = fs.Parse(args)
    return opts
}
