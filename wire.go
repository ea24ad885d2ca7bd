package vox

import (
	"strconv"
	"strings"
)

var escapeValue = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n", "\r", "\\r")

// ParseLine parses one line of the control protocol into an event of kind
// `server`. The format is a verb followed by key=value fields, where values
// are bare integers/booleans, quoted strings with backslash escapes, or
// integer lists in brackets.
func ParseLine(line string) (Event, error) {
	event := NewEvent("server", "")

	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return event, newError(KindProtocol, "empty line")
	}

	verbEnd := strings.IndexByte(line, ' ')
	if verbEnd == -1 {
		verbEnd = len(line)
	}

	event.verb = strings.ToLower(line[:verbEnd])
	if event.verb == "" {
		return event, newError(KindProtocol, "missing verb")
	}
	event.name = event.kind + "." + event.verb

	pos := verbEnd
	for pos < len(line) {
		// Skip separating spaces.
		for pos < len(line) && line[pos] == ' ' {
			pos++
		}
		if pos >= len(line) {
			break
		}

		eq := strings.IndexByte(line[pos:], '=')
		if eq <= 0 {
			return event, newError(KindProtocol, "malformed field near %q", line[pos:])
		}

		key := line[pos : pos+eq]
		pos += eq + 1
		if pos >= len(line) {
			event.Fields[key] = ""
			break
		}

		switch line[pos] {
		case '"':
			value, next, err := scanQuoted(line, pos)
			if err != nil {
				return event, err
			}
			event.Fields[key] = value
			pos = next
		case '[':
			end := strings.IndexByte(line[pos:], ']')
			if end == -1 {
				return event, newError(KindProtocol, "unterminated list in field %q", key)
			}
			event.Fields[key] = line[pos : pos+end+1]
			pos += end + 1
		default:
			end := strings.IndexByte(line[pos:], ' ')
			if end == -1 {
				end = len(line) - pos
			}
			event.Fields[key] = line[pos : pos+end]
			pos += end
		}
	}

	return event, nil
}

// scanQuoted reads a quoted value starting at the opening quote and returns
// the unescaped text and the position just past the closing quote.
func scanQuoted(line string, start int) (string, int, error) {
	var sb strings.Builder

	i := start + 1
	for i < len(line) {
		ch := line[i]

		if ch == '\\' && i+1 < len(line) {
			switch line[i+1] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			default:
				sb.WriteByte(line[i+1])
			}
			i += 2
			continue
		}

		if ch == '"' {
			return sb.String(), i + 1, nil
		}

		sb.WriteByte(ch)
		i++
	}

	return "", 0, newError(KindProtocol, "unterminated quoted value")
}

type commandField struct {
	key    string
	value  string
	quoted bool
}

// A Command is an outbound control line under construction. Fields keep
// insertion order so the serialized form is deterministic.
type Command struct {
	verb   string
	fields []commandField
}

// NewCommand starts a command with the given verb.
func NewCommand(verb string) *Command {
	return &Command{verb: verb, fields: make([]commandField, 0, 8)}
}

// Verb returns the command's verb, which doubles as its flood-guard class.
func (cmd *Command) Verb() string {
	return cmd.verb
}

// Set adds a quoted string field.
func (cmd *Command) Set(key, value string) *Command {
	cmd.fields = append(cmd.fields, commandField{key: key, value: value, quoted: true})
	return cmd
}

// SetInt adds a bare integer field.
func (cmd *Command) SetInt(key string, value int) *Command {
	cmd.fields = append(cmd.fields, commandField{key: key, value: strconv.Itoa(value)})
	return cmd
}

// SetBool adds a bare boolean field.
func (cmd *Command) SetBool(key string, value bool) *Command {
	cmd.fields = append(cmd.fields, commandField{key: key, value: strconv.FormatBool(value)})
	return cmd
}

// SetList adds an integer-list field.
func (cmd *Command) SetList(key string, values []int) *Command {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(v))
	}
	sb.WriteByte(']')

	cmd.fields = append(cmd.fields, commandField{key: key, value: sb.String()})
	return cmd
}

// String serializes the command without the trailing line ending.
func (cmd *Command) String() string {
	var sb strings.Builder
	sb.WriteString(cmd.verb)

	for _, f := range cmd.fields {
		sb.WriteByte(' ')
		sb.WriteString(f.key)
		sb.WriteByte('=')

		if f.quoted {
			sb.WriteByte('"')
			sb.WriteString(escapeValue.Replace(f.value))
			sb.WriteByte('"')
		} else {
			sb.WriteString(f.value)
		}
	}

	return sb.String()
}
