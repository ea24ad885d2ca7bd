package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mvaberg/vox"
	"github.com/mvaberg/vox/directory"
)

// A profile bundles a connect target with the client config so frequently
// used servers live in one yaml file.
type profile struct {
	Server  string     `yaml:"server"`
	TCPPort int        `yaml:"tcpPort"`
	UDPPort int        `yaml:"udpPort"`
	Client  vox.Config `yaml:"client"`
}

func main() {
	var (
		profilePath = pflag.StringP("profile", "p", "", "yaml profile to load")
		server      = pflag.StringP("server", "s", "", "server host")
		tcpPort     = pflag.Int("tcp-port", vox.DefaultTCPPort, "control port")
		udpPort     = pflag.Int("udp-port", vox.DefaultUDPPort, "datagram port")
		nickname    = pflag.StringP("nickname", "n", "", "nickname")
		username    = pflag.StringP("username", "u", "", "account username")
		password    = pflag.String("password", "", "account password")
		debug       = pflag.BoolP("debug", "d", false, "log every event")
	)
	pflag.Parse()

	prof := profile{TCPPort: vox.DefaultTCPPort, UDPPort: vox.DefaultUDPPort}
	if *profilePath != "" {
		data, err := os.ReadFile(*profilePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read profile:", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, &prof); err != nil {
			fmt.Fprintln(os.Stderr, "parse profile:", err)
			os.Exit(1)
		}
	}

	if *server != "" {
		prof.Server = *server
	}
	if pflag.CommandLine.Changed("tcp-port") {
		prof.TCPPort = *tcpPort
	}
	if pflag.CommandLine.Changed("udp-port") {
		prof.UDPPort = *udpPort
	}
	if *nickname != "" {
		prof.Client.Nickname = *nickname
	}
	if *username != "" {
		prof.Client.Username = *username
	}
	if *password != "" {
		prof.Client.Password = *password
	}

	if prof.Server == "" {
		fmt.Fprintln(os.Stderr, "no server given; use --server or a profile")
		os.Exit(1)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	prof.Client.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := vox.New(ctx, prof.Client)
	defer client.Destroy()

	if *debug {
		vox.EnableDebug(client, logger)
	}

	client.AddHandler(printHandler)

	if err := client.Connect(prof.Server, prof.TCPPort, prof.UDPPort); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			if err := client.SendChannelMessage(line); err != nil {
				fmt.Println("!", err)
			}
			continue
		}

		if quit := dispatch(client, line); quit {
			break
		}
	}

	_ = client.Disconnect()
}

// dispatch runs one slash command and reports whether the repl should quit.
func dispatch(client *vox.Client, line string) bool {
	verb, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	var err error

	switch verb {
	case "quit":
		return true

	case "join":
		path, password, _ := strings.Cut(rest, " ")
		err = client.JoinChannel(path, password)

	case "leave":
		err = client.LeaveChannel()

	case "msg":
		target, text, _ := strings.Cut(rest, " ")
		var sessionID int
		if sessionID, err = strconv.Atoi(target); err == nil {
			err = client.SendUserMessage(sessionID, text)
		}

	case "broadcast":
		err = client.SendBroadcast(rest)

	case "nick":
		err = client.ChangeNickname(rest)

	case "status":
		mode, message, _ := strings.Cut(rest, " ")
		switch mode {
		case "away":
			err = client.ChangeStatus(directory.StatusAway, message)
		case "question":
			err = client.ChangeStatus(directory.StatusQuestion, message)
		default:
			err = client.ChangeStatus(directory.StatusAvailable, rest)
		}

	case "channels":
		for _, channel := range client.Directory().Channels() {
			fmt.Printf("%-30s %s\n", channel.Path, channel.Topic)
		}

	case "users":
		for _, user := range client.Directory().Users() {
			fmt.Printf("%4d %-20s %s\n", user.SessionID, user.Nickname, user.ChannelPath)
		}

	case "send":
		channel, path, _ := strings.Cut(rest, " ")
		err = client.SendFile(channel, path)

	case "recv":
		parts := strings.SplitN(rest, " ", 3)
		if len(parts) == 3 {
			err = client.RecvFile(parts[0], parts[1], parts[2])
		} else {
			err = fmt.Errorf("usage: /recv <channel> <filename> <local path>")
		}

	case "stats":
		err = client.QueryServerStats()

	default:
		err = fmt.Errorf("unknown command %q", verb)
	}

	if err != nil {
		fmt.Println("!", err)
	}

	return false
}

func printHandler(event *vox.Event, client *vox.Client) {
	switch event.Name() {
	case "client.ready":
		fmt.Printf("* logged in as %s (session %d)\n", client.Nickname(), client.SessionID())

	case "client.reconnecting":
		fmt.Println("* connection lost, reconnecting")

	case "channel.joined":
		fmt.Println("* joined", event.Field("channel"))

	case "channel.left":
		fmt.Println("* left", event.Field("channel"))

	case "user.joined":
		fmt.Printf("* %s entered %s\n", event.Field("sessionid"), event.Field("channel"))

	case "user.left":
		fmt.Printf("* %s left %s\n", event.Field("sessionid"), event.Field("channel"))

	case "user.message":
		fmt.Printf("<%s> %s\n", event.Field("sessionid"), event.Field("content"))

	case "client.kicked":
		fmt.Println("* kicked from", event.Field("channel"))

	case "transfer.progress", "transfer.done":
		fmt.Printf("* transfer %s: %s %s/%s bytes\n",
			event.Field("filename"), event.Field("state"), event.Field("done"), event.Field("total"))

	case "server.serverstats":
		fmt.Println("* stats:", event.Fields)

	default:
		if event.Kind() == "error" {
			fmt.Println("!", event.Verb(), event.Field("message"))
		}
	}
}
