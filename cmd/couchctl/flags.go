package main

import "time"

const defaultAPITimeout = 2 * time.Minute

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl      string
	APITimeout  time.Duration
	APICACert   string
	APIInsecure bool
	JSON        bool
}

type StartFlags struct {
	Tunnel string
}

type DatabaseFlags struct {
	Port    int
	DataDir string
}

type ConfigureFlags struct {
	URL      string
	Username string
	Password string
}

type ExecFlags struct {
	Force bool
	Wait  bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
	AutoStart  bool
}
