// Package protocol implements the USSP wire protocol: newline-framed
// text commands in, tagged response frames out.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Joett77/ussl/crdt"
)

// MaxMessageSize caps the parser buffer. Feeding beyond it fails and the
// caller is expected to drop the connection.
const MaxMessageSize = 1024 * 1024

// Parser assembles newline-framed commands from a byte stream. Lines end
// with \n, optionally preceded by \r.
type Parser struct {
	buf []byte
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{buf: make([]byte, 0, 4096)}
}

// Feed appends incoming bytes to the parser buffer.
func (p *Parser) Feed(data []byte) error {
	if len(p.buf)+len(data) > MaxMessageSize {
		return ErrMessageTooLarge{Size: len(p.buf) + len(data), Max: MaxMessageSize}
	}
	p.buf = append(p.buf, data...)
	return nil
}

// Parse extracts the next complete command from the buffer. ok is false
// when no full line has arrived yet. A malformed line is consumed and
// reported as an error.
func (p *Parser) Parse() (Command, bool, error) {
	end := bytes.IndexByte(p.buf, '\n')
	if end < 0 {
		return Command{}, false, nil
	}

	lineLen := end
	if lineLen > 0 && p.buf[lineLen-1] == '\r' {
		lineLen--
	}
	line := string(p.buf[:lineLen])
	p.buf = p.buf[end+1:]

	cmd, err := parseLine(line)
	if err != nil {
		return Command{}, false, err
	}
	return cmd, true, nil
}

func parseLine(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, ErrInvalidCommand{Reason: "Empty command"}
	}

	tokens := &tokenizer{input: line}
	word, _ := tokens.next()

	switch strings.ToUpper(word) {
	case "AUTH":
		return parseAuth(tokens)
	case "CREATE":
		return parseCreate(tokens)
	case "GET":
		return parseGet(tokens)
	case "SET":
		return parseSet(tokens)
	case "DEL", "DELETE":
		return parseDelete(tokens)
	case "SUB", "SUBSCRIBE":
		return parseSubscribe(tokens)
	case "UNSUB", "UNSUBSCRIBE":
		return parseUnsubscribe(tokens)
	case "PUSH":
		return parsePush(tokens)
	case "INC", "INCR", "INCREMENT":
		return parseIncrement(tokens)
	case "PRESENCE":
		return parsePresence(tokens)
	case "PING":
		return Command{Kind: CmdPing}, nil
	case "QUIT":
		return Command{Kind: CmdQuit}, nil
	case "INFO":
		return Command{Kind: CmdInfo}, nil
	case "KEYS":
		return parseKeys(tokens)
	case "COMPACT":
		return parseCompact(tokens)
	default:
		return Command{}, ErrInvalidCommand{Reason: fmt.Sprintf("Unknown command: %s", strings.ToUpper(word))}
	}
}

func parseAuth(tokens *tokenizer) (Command, error) {
	password, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "password"}
	}
	return Command{Kind: CmdAuth, Password: password}, nil
}

func parseCreate(tokens *tokenizer) (Command, error) {
	id, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "document_id"}
	}

	cmd := Command{Kind: CmdCreate, DocumentID: id, Strategy: crdt.DefaultStrategy}
	for {
		opt, ok := tokens.next()
		if !ok {
			break
		}
		switch strings.ToUpper(opt) {
		case "STRATEGY":
			s, ok := tokens.next()
			if !ok {
				return Command{}, ErrMissingArgument{Name: "strategy value"}
			}
			strategy, err := crdt.ParseStrategy(s)
			if err != nil {
				return Command{}, ErrInvalidArgument{Reason: fmt.Sprintf("Invalid strategy: %s", s)}
			}
			cmd.Strategy = strategy
		case "TTL":
			t, ok := tokens.next()
			if !ok {
				return Command{}, ErrMissingArgument{Name: "ttl value"}
			}
			ttl, err := strconv.ParseInt(t, 10, 64)
			if err != nil || ttl < 0 {
				return Command{}, ErrInvalidArgument{Reason: fmt.Sprintf("Invalid TTL: %s", t)}
			}
			cmd.TTL = &ttl
		default:
			return Command{}, ErrInvalidArgument{Reason: fmt.Sprintf("Unknown option: %s", opt)}
		}
	}
	return cmd, nil
}

func parseGet(tokens *tokenizer) (Command, error) {
	id, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "document_id"}
	}

	cmd := Command{Kind: CmdGet, DocumentID: id}
	for {
		opt, ok := tokens.next()
		if !ok {
			break
		}
		if strings.ToUpper(opt) == "PATH" {
			path, ok := tokens.next()
			if !ok {
				return Command{}, ErrMissingArgument{Name: "path value"}
			}
			cmd.Path, cmd.HasPath = path, true
		} else {
			// Bare token is the path
			cmd.Path, cmd.HasPath = opt, true
		}
	}
	return cmd, nil
}

func parseSet(tokens *tokenizer) (Command, error) {
	id, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "document_id"}
	}
	path, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "path"}
	}
	raw, ok := tokens.rest()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "value"}
	}
	return Command{Kind: CmdSet, DocumentID: id, Path: path, Value: parseValue(raw)}, nil
}

func parseDelete(tokens *tokenizer) (Command, error) {
	id, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "document_id"}
	}

	cmd := Command{Kind: CmdDelete, DocumentID: id}
	if opt, ok := tokens.next(); ok {
		if strings.ToUpper(opt) == "PATH" {
			path, ok := tokens.next()
			if !ok {
				return Command{}, ErrMissingArgument{Name: "path value"}
			}
			cmd.Path, cmd.HasPath = path, true
		} else {
			cmd.Path, cmd.HasPath = opt, true
		}
	}
	return cmd, nil
}

func parseSubscribe(tokens *tokenizer) (Command, error) {
	pattern, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "pattern"}
	}

	cmd := Command{Kind: CmdSubscribe, Pattern: pattern}
	for {
		opt, ok := tokens.next()
		if !ok {
			break
		}
		if strings.ToUpper(opt) != "PATH" {
			return Command{}, ErrInvalidArgument{Reason: fmt.Sprintf("Unknown option: %s", opt)}
		}
		path, ok := tokens.next()
		if !ok {
			return Command{}, ErrMissingArgument{Name: "path value"}
		}
		cmd.Path, cmd.HasPath = path, true
	}
	return cmd, nil
}

func parseUnsubscribe(tokens *tokenizer) (Command, error) {
	pattern, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "pattern"}
	}
	return Command{Kind: CmdUnsubscribe, Pattern: pattern}, nil
}

func parsePush(tokens *tokenizer) (Command, error) {
	id, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "document_id"}
	}
	path, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "path"}
	}
	raw, ok := tokens.rest()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "value"}
	}
	return Command{Kind: CmdPush, DocumentID: id, Path: path, Value: parseValue(raw)}, nil
}

func parseIncrement(tokens *tokenizer) (Command, error) {
	id, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "document_id"}
	}
	path, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "path"}
	}
	raw, ok := tokens.next()
	if !ok {
		raw = "1"
	}
	delta, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Command{}, ErrInvalidArgument{Reason: fmt.Sprintf("Invalid delta: %s", raw)}
	}
	return Command{Kind: CmdIncrement, DocumentID: id, Path: path, Delta: delta}, nil
}

func parsePresence(tokens *tokenizer) (Command, error) {
	id, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "document_id"}
	}

	cmd := Command{Kind: CmdPresence, DocumentID: id}
	for {
		opt, ok := tokens.next()
		if !ok {
			break
		}
		if strings.ToUpper(opt) == "DATA" {
			raw, ok := tokens.rest()
			if !ok {
				return Command{}, ErrMissingArgument{Name: "data value"}
			}
			data, err := decodeJSON(raw)
			if err != nil {
				return Command{}, err
			}
			cmd.Data = &data
		} else {
			// Bare JSON, possibly split across tokens
			raw, _ := tokens.rest()
			data, err := decodeJSON(strings.TrimSpace(opt + " " + raw))
			if err != nil {
				return Command{}, err
			}
			cmd.Data = &data
			break
		}
	}
	return cmd, nil
}

func parseKeys(tokens *tokenizer) (Command, error) {
	pattern, _ := tokens.next()
	return Command{Kind: CmdKeys, Pattern: pattern}, nil
}

func parseCompact(tokens *tokenizer) (Command, error) {
	id, ok := tokens.next()
	if !ok {
		return Command{}, ErrMissingArgument{Name: "document_id"}
	}
	return Command{Kind: CmdCompact, DocumentID: id}, nil
}

// tokenizer splits a command line on single spaces. Double-quoted
// substrings form one token with the quotes stripped; there is no escape
// support. An unclosed quote is treated as a regular token.
type tokenizer struct {
	input string
	pos   int
}

func (t *tokenizer) next() (string, bool) {
	for t.pos < len(t.input) && t.input[t.pos] == ' ' {
		t.pos++
	}
	if t.pos >= len(t.input) {
		return "", false
	}

	rem := t.input[t.pos:]
	if rem[0] == '"' {
		if end := strings.IndexByte(rem[1:], '"'); end >= 0 {
			t.pos += end + 2
			return rem[1 : end+1], true
		}
	}

	end := strings.IndexByte(rem, ' ')
	if end < 0 {
		end = len(rem)
	}
	t.pos += end
	return rem[:end], true
}

// rest returns the remainder of the line verbatim, used for value
// payloads that may contain spaces.
func (t *tokenizer) rest() (string, bool) {
	for t.pos < len(t.input) && t.input[t.pos] == ' ' {
		t.pos++
	}
	if t.pos >= len(t.input) {
		return "", false
	}
	rem := t.input[t.pos:]
	t.pos = len(t.input)
	return rem, true
}

// parseValue interprets a payload as JSON when it parses cleanly and as
// a raw string otherwise.
func parseValue(raw string) crdt.Value {
	raw = strings.TrimSpace(raw)
	var v crdt.Value
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return crdt.NewString(raw)
}

// decodeJSON parses a payload that must be JSON.
func decodeJSON(raw string) (crdt.Value, error) {
	var v crdt.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return crdt.Value{}, ErrInvalidJSON{Reason: err.Error()}
	}
	return v, nil
}
