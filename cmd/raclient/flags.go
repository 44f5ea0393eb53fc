package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Global constants.
const (
	appName         = "raclient"
	usageLineLength = 80
)

// Version information, set at build time.
var versionString = "unknown"

// Flag name constants.
const (
	actionFlag     = "action"
	askTokenFlag   = "asktoken"
	assigneeFlag   = "assignee"
	caCertFlag     = "cacert"
	certFlag       = "cert"
	cmcFlag        = "cmc"
	csrFlag        = "csr"
	digestFlag     = "digest"
	followFlag     = "follow"
	helpFlag       = "help"
	idFlag         = "id"
	insecureFlag   = "insecure"
	keyFlag        = "key"
	limitFlag      = "limit"
	notAfterFlag   = "notafter"
	notBeforeFlag  = "notbefore"
	offsetFlag     = "offset"
	outFlag        = "out"
	ownerFlag      = "owner"
	profileFlag    = "profile"
	requesterFlag  = "requester"
	serverFlag     = "server"
	sigAlgFlag     = "sigalg"
	sinceFlag      = "since"
	statusFlag     = "status"
	subjectFlag    = "subject"
	timeoutFlag    = "timeout"
	tokenFlag      = "token"
	typeFlag       = "type"
	validityFlag   = "validity"
	tokenEnvVar    = "RACLIENT_TOKEN"
	defaultTimeout = "30s"
)

// option describes a command line flag.
type option struct {
	name   string
	arg    string
	desc   string
	isBool bool
}

var commonOptions = []option{
	{name: serverFlag, arg: "<url>", desc: "request agent base URL"},
	{name: tokenFlag, arg: "<token>", desc: "bearer token, defaults to $" + tokenEnvVar},
	{name: askTokenFlag, desc: "prompt for the bearer token", isBool: true},
	{name: caCertFlag, arg: "<path>", desc: "PEM trust anchors for TLS and CMC responses"},
	{name: certFlag, arg: "<path>", desc: "PEM client certificate"},
	{name: keyFlag, arg: "<path>", desc: "PEM client private key"},
	{name: insecureFlag, desc: "skip server certificate verification", isBool: true},
	{name: timeoutFlag, arg: "<duration>", desc: "request timeout, default " + defaultTimeout},
	{name: helpFlag, desc: "show command usage", isBool: true},
}

// command is a raclient subcommand.
type command struct {
	name    string
	desc    string
	options []option
	cmdFunc func(w io.Writer, cfg *config) error
}

var commands = map[string]*command{
	"submit": {
		name: "submit",
		desc: "queue a certificate request from a PKCS#10 CSR",
		options: []option{
			{name: csrFlag, arg: "<path>", desc: "PEM certificate signing request"},
			{name: typeFlag, arg: "<type>", desc: "request type, default enrollment"},
			{name: profileFlag, arg: "<id>", desc: "certificate profile id"},
			{name: validityFlag, arg: "<days>", desc: "requested validity in days"},
		},
		cmdFunc: submit,
	},
	"status": {
		name: "status",
		desc: "query the status of a request",
		options: []option{
			{name: idFlag, arg: "<id>", desc: "request id"},
			{name: cmcFlag, desc: "send a signed CMC query and verify the response", isBool: true},
			{name: digestFlag, arg: "<name>", desc: "CMC digest algorithm, default SHA256"},
			{name: outFlag, arg: "<path>", desc: "write the issued chain as PEM"},
		},
		cmdFunc: status,
	},
	"process": {
		name: "process",
		desc: "perform an agent action on a request",
		options: []option{
			{name: idFlag, arg: "<id>", desc: "request id"},
			{name: actionFlag, arg: "<action>", desc: "accept, reject, cancel, clone, assign or unassign"},
			{name: assigneeFlag, arg: "<name>", desc: "assignee, defaults to the caller"},
			{name: subjectFlag, arg: "<dn>", desc: "subject override"},
			{name: sigAlgFlag, arg: "<alg>", desc: "signature algorithm override"},
			{name: notBeforeFlag, arg: "<time>", desc: "RFC3339 validity start override"},
			{name: notAfterFlag, arg: "<time>", desc: "RFC3339 validity end override"},
		},
		cmdFunc: process,
	},
	"list": {
		name: "list",
		desc: "list queued requests",
		options: []option{
			{name: statusFlag, arg: "<status>", desc: "status filter"},
			{name: typeFlag, arg: "<type>", desc: "request type filter"},
			{name: ownerFlag, arg: "<owner>", desc: "owner filter"},
			{name: limitFlag, arg: "<n>", desc: "page size"},
			{name: offsetFlag, arg: "<n>", desc: "page offset"},
		},
		cmdFunc: list,
	},
	"audit": {
		name: "audit",
		desc: "show audit records",
		options: []option{
			{name: idFlag, arg: "<id>", desc: "request id filter"},
			{name: requesterFlag, arg: "<name>", desc: "requester filter"},
			{name: sinceFlag, arg: "<time>", desc: "RFC3339 lower bound"},
			{name: limitFlag, arg: "<n>", desc: "maximum number of records"},
			{name: followFlag, desc: "stream live records", isBool: true},
		},
		cmdFunc: audit,
	},
}

// FlagSet returns a flag set with the common and command specific options.
func (c *command) FlagSet(w io.Writer) *flag.FlagSet {
	set := flag.NewFlagSet(c.name, flag.ExitOnError)
	set.SetOutput(w)
	set.Usage = func() { c.Usage(w, usageLineLength) }

	for _, opt := range append(c.options, commonOptions...) {
		if opt.isBool {
			set.Bool(opt.name, false, opt.desc)
		} else {
			set.String(opt.name, "", opt.desc)
		}
	}

	return set
}

// Usage outputs usage information for the command.
func (c *command) Usage(w io.Writer, width int) {
	fmt.Fprintf(w, "usage: %s %s [options]\n\n", appName, c.name)
	fmt.Fprintf(w, "%s\n\n", wrap(c.desc, width))
	fmt.Fprintln(w, "Options:")
	writeOptions(w, c.options)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Common options:")
	writeOptions(w, commonOptions)
}

func writeOptions(w io.Writer, opts []option) {
	const fw = 22
	for _, opt := range opts {
		name := opt.name
		if opt.arg != "" {
			name += " " + opt.arg
		}
		fmt.Fprintf(w, "    -%-*s %s\n", fw, name, opt.desc)
	}
}

// usageError outputs the list of commands and exits.
func usageError(w io.Writer, width int) {
	fmt.Fprintf(w, "usage: %s <command> [options]\n\n", appName)
	fmt.Fprintf(w, "%s\n\n", wrap(appName+" is a client for the KRITIS3M certificate request agent. "+
		"Use \"<command> -help\" for the options of a command.", width))
	fmt.Fprintln(w, "Commands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(w, "    %-10s %s\n", name, commands[name].desc)
	}
	fmt.Fprintf(w, "    %-10s %s\n", "version", "show version information")
	fmt.Fprintln(w)

	os.Exit(2)
}

// wrap breaks s into lines of at most width characters.
func wrap(s string, width int) string {
	var b strings.Builder
	n := 0
	for i, word := range strings.Fields(s) {
		if i > 0 {
			if n+1+len(word) > width {
				b.WriteByte('\n')
				n = 0
			} else {
				b.WriteByte(' ')
				n++
			}
		}
		b.WriteString(word)
		n += len(word)
	}

	return b.String()
}

// isFlagPassed reports whether the flag was set on the command line.
func isFlagPassed(set *flag.FlagSet, name string) bool {
	passed := false
	set.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})

	return passed
}
