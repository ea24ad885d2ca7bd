package vox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	table := []struct {
		Name   string
		Line   string
		Verb   string
		Fields map[string]string
		Err    bool
	}{
		{
			Name: "BareVerb",
			Line: "pong\r\n",
			Verb: "pong",
		},
		{
			Name: "IntAndBool",
			Line: "accepted sessionid=7 usertype=1 rights=131071\r\n",
			Verb: "accepted",
			Fields: map[string]string{
				"sessionid": "7", "usertype": "1", "rights": "131071",
			},
		},
		{
			Name: "QuotedString",
			Line: `welcome servername="Vox Main" motd="line one\nline two"` + "\r\n",
			Verb: "welcome",
			Fields: map[string]string{
				"servername": "Vox Main", "motd": "line one\nline two",
			},
		},
		{
			Name: "EscapedQuoteAndBackslash",
			Line: `messagedeliver content="she said \"hi\" c:\\tmp"` + "\r\n",
			Verb: "messagedeliver",
			Fields: map[string]string{
				"content": `she said "hi" c:\tmp`,
			},
		},
		{
			Name: "List",
			Line: "serverstats users=[1,2,3] uptime=900\r\n",
			Verb: "serverstats",
			Fields: map[string]string{
				"users": "[1,2,3]", "uptime": "900",
			},
		},
		{
			Name: "VerbLowercased",
			Line: "AddChannel channel=\"/lobby\"\r\n",
			Verb: "addchannel",
			Fields: map[string]string{
				"channel": "/lobby",
			},
		},
		{
			Name: "EmptyValueAtEnd",
			Line: "updateuser sessionid=4 statusmsg=\r\n",
			Verb: "updateuser",
			Fields: map[string]string{
				"sessionid": "4", "statusmsg": "",
			},
		},
		{
			Name: "EmptyLine",
			Line: "\r\n",
			Err:  true,
		},
		{
			Name: "UnterminatedQuote",
			Line: `welcome servername="Vox` + "\r\n",
			Err:  true,
		},
		{
			Name: "MalformedField",
			Line: "welcome =nope\r\n",
			Err:  true,
		},
	}

	for _, row := range table {
		t.Run(row.Name, func(t *testing.T) {
			event, err := ParseLine(row.Line)
			if row.Err {
				assert.Error(t, err)
				return
			}
			if !assert.NoError(t, err) {
				return
			}

			assert.Equal(t, "server", event.Kind())
			assert.Equal(t, row.Verb, event.Verb())
			for key, value := range row.Fields {
				assert.Equal(t, value, event.Field(key), "field %q", key)
			}
		})
	}
}

func TestParseLineTypedGetters(t *testing.T) {
	event, err := ParseLine(`accepted sessionid=7 rights=5 admin=true users=[4, 8,15]` + "\r\n")
	if !assert.NoError(t, err) {
		return
	}

	assert.Equal(t, 7, event.Int("sessionid"))
	assert.Equal(t, 5, event.Int("rights"))
	assert.True(t, event.Bool("admin"))
	assert.Equal(t, []int{4, 8, 15}, event.List("users"))
	assert.Equal(t, 0, event.Int("missing"))
	assert.False(t, event.Bool("missing"))
}

func TestCommandString(t *testing.T) {
	table := []struct {
		Name     string
		Command  *Command
		Expected string
	}{
		{
			Name:     "Bare",
			Command:  NewCommand("ping"),
			Expected: "ping",
		},
		{
			Name: "OrderedFields",
			Command: NewCommand("login").
				Set("nickname", "Tester").
				Set("username", "alice").
				SetInt("protocol", 1),
			Expected: `login nickname="Tester" username="alice" protocol=1`,
		},
		{
			Name:     "Escaping",
			Command:  NewCommand("message").Set("content", "a \"b\"\nc\\d"),
			Expected: `message content="a \"b\"\nc\\d"`,
		},
		{
			Name:     "BoolAndList",
			Command:  NewCommand("x").SetBool("on", true).SetList("ids", []int{1, 2, 3}),
			Expected: "x on=true ids=[1,2,3]",
		},
	}

	for _, row := range table {
		t.Run(row.Name, func(t *testing.T) {
			assert.Equal(t, row.Expected, row.Command.String())
		})
	}
}

func TestCommandRoundTrip(t *testing.T) {
	cmd := NewCommand("join").Set("channel", "/lobby/games").Set("password", `p"w\d`).SetInt("id", 3)

	event, err := ParseLine(cmd.String() + "\r\n")
	if !assert.NoError(t, err) {
		return
	}

	assert.Equal(t, "join", event.Verb())
	assert.Equal(t, "/lobby/games", event.Field("channel"))
	assert.Equal(t, `p"w\d`, event.Field("password"))
	assert.Equal(t, 3, event.Int("id"))
}
