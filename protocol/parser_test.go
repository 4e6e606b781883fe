package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joett77/ussl/crdt"
)

// feedLine is a test helper that parses one complete command line.
func feedLine(t *testing.T, line string) Command {
	t.Helper()
	parser := NewParser()
	require.NoError(t, parser.Feed([]byte(line)))
	cmd, ok, err := parser.Parse()
	require.NoError(t, err)
	require.True(t, ok)
	return cmd
}

// feedLineErr is a test helper that expects a parse error.
func feedLineErr(t *testing.T, line string) error {
	t.Helper()
	parser := NewParser()
	require.NoError(t, parser.Feed([]byte(line)))
	_, _, err := parser.Parse()
	require.Error(t, err)
	return err
}

func TestParseAuth(t *testing.T) {
	cmd := feedLine(t, "AUTH secret\r\n")
	assert.Equal(t, CmdAuth, cmd.Kind)
	assert.Equal(t, "secret", cmd.Password)

	err := feedLineErr(t, "AUTH\r\n")
	assert.Equal(t, "Missing argument: password", err.Error())
}

func TestParseCreate(t *testing.T) {
	cmd := feedLine(t, "CREATE user:123 STRATEGY lww\r\n")
	assert.Equal(t, CmdCreate, cmd.Kind)
	assert.Equal(t, "user:123", cmd.DocumentID)
	assert.Equal(t, crdt.StrategyLWW, cmd.Strategy)
	assert.Nil(t, cmd.TTL)

	// Default strategy when omitted
	cmd = feedLine(t, "CREATE user:123\r\n")
	assert.Equal(t, crdt.DefaultStrategy, cmd.Strategy)

	// TTL option
	cmd = feedLine(t, "CREATE session:1 TTL 60000\r\n")
	require.NotNil(t, cmd.TTL)
	assert.Equal(t, int64(60000), *cmd.TTL)

	// Both options, keyword case does not matter
	cmd = feedLine(t, "create doc:1 strategy crdt-text ttl 5\r\n")
	assert.Equal(t, crdt.StrategyText, cmd.Strategy)
	require.NotNil(t, cmd.TTL)
	assert.Equal(t, int64(5), *cmd.TTL)

	// Bad inputs
	err := feedLineErr(t, "CREATE doc:1 STRATEGY quantum\r\n")
	assert.Equal(t, "Invalid argument: Invalid strategy: quantum", err.Error())

	err = feedLineErr(t, "CREATE doc:1 TTL soon\r\n")
	assert.Equal(t, "Invalid argument: Invalid TTL: soon", err.Error())

	err = feedLineErr(t, "CREATE doc:1 TTL -5\r\n")
	assert.Equal(t, "Invalid argument: Invalid TTL: -5", err.Error())

	err = feedLineErr(t, "CREATE doc:1 FROBNICATE\r\n")
	assert.Equal(t, "Invalid argument: Unknown option: FROBNICATE", err.Error())

	err = feedLineErr(t, "CREATE\r\n")
	assert.Equal(t, "Missing argument: document_id", err.Error())
}

func TestParseGet(t *testing.T) {
	cmd := feedLine(t, "GET user:123 PATH name\r\n")
	assert.Equal(t, CmdGet, cmd.Kind)
	assert.Equal(t, "user:123", cmd.DocumentID)
	assert.True(t, cmd.HasPath)
	assert.Equal(t, "name", cmd.Path)

	// Bare token works as the path
	cmd = feedLine(t, "GET user:123 profile.age\r\n")
	assert.True(t, cmd.HasPath)
	assert.Equal(t, "profile.age", cmd.Path)

	// No path at all
	cmd = feedLine(t, "GET user:123\r\n")
	assert.False(t, cmd.HasPath)
}

func TestParseSet(t *testing.T) {
	cmd := feedLine(t, "SET user:123 name \"Alice\"\r\n")
	assert.Equal(t, CmdSet, cmd.Kind)
	assert.Equal(t, "user:123", cmd.DocumentID)
	assert.Equal(t, "name", cmd.Path)
	assert.True(t, cmd.Value.Equal(crdt.NewString("Alice")))

	// JSON payloads may contain spaces
	cmd = feedLine(t, "SET user:123 data {\"age\": 30}\r\n")
	age, ok := cmd.Value.GetPath("age")
	require.True(t, ok)
	assert.True(t, age.Equal(crdt.NewInt(30)))

	// Numbers parse as integers
	cmd = feedLine(t, "SET counter:1 n 42\r\n")
	assert.True(t, cmd.Value.Equal(crdt.NewInt(42)))

	// Unparseable payloads fall back to raw strings
	cmd = feedLine(t, "SET user:123 bio hello there world\r\n")
	assert.True(t, cmd.Value.Equal(crdt.NewString("hello there world")))

	err := feedLineErr(t, "SET user:123 name\r\n")
	assert.Equal(t, "Missing argument: value", err.Error())

	err = feedLineErr(t, "SET user:123\r\n")
	assert.Equal(t, "Missing argument: path", err.Error())
}

func TestParseDelete(t *testing.T) {
	cmd := feedLine(t, "DEL user:123\r\n")
	assert.Equal(t, CmdDelete, cmd.Kind)
	assert.False(t, cmd.HasPath)

	cmd = feedLine(t, "DELETE user:123 PATH name\r\n")
	assert.Equal(t, CmdDelete, cmd.Kind)
	assert.True(t, cmd.HasPath)
	assert.Equal(t, "name", cmd.Path)

	cmd = feedLine(t, "DEL user:123 name\r\n")
	assert.True(t, cmd.HasPath)
	assert.Equal(t, "name", cmd.Path)
}

func TestParseSubscribe(t *testing.T) {
	cmd := feedLine(t, "SUB user:*\r\n")
	assert.Equal(t, CmdSubscribe, cmd.Kind)
	assert.Equal(t, "user:*", cmd.Pattern)
	assert.False(t, cmd.HasPath)

	cmd = feedLine(t, "SUBSCRIBE user:* PATH profile\r\n")
	assert.Equal(t, "user:*", cmd.Pattern)
	assert.True(t, cmd.HasPath)
	assert.Equal(t, "profile", cmd.Path)

	err := feedLineErr(t, "SUB user:* BOGUS\r\n")
	assert.Equal(t, "Invalid argument: Unknown option: BOGUS", err.Error())

	err = feedLineErr(t, "SUB\r\n")
	assert.Equal(t, "Missing argument: pattern", err.Error())
}

func TestParseUnsubscribe(t *testing.T) {
	cmd := feedLine(t, "UNSUB user:*\r\n")
	assert.Equal(t, CmdUnsubscribe, cmd.Kind)
	assert.Equal(t, "user:*", cmd.Pattern)

	cmd = feedLine(t, "UNSUBSCRIBE user:*\r\n")
	assert.Equal(t, CmdUnsubscribe, cmd.Kind)
}

func TestParsePush(t *testing.T) {
	cmd := feedLine(t, "PUSH cart:1 items {\"sku\": \"a1\"}\r\n")
	assert.Equal(t, CmdPush, cmd.Kind)
	assert.Equal(t, "cart:1", cmd.DocumentID)
	assert.Equal(t, "items", cmd.Path)
	sku, ok := cmd.Value.GetPath("sku")
	require.True(t, ok)
	assert.True(t, sku.Equal(crdt.NewString("a1")))
}

func TestParseIncrement(t *testing.T) {
	cmd := feedLine(t, "INC counter:views count 1\r\n")
	assert.Equal(t, CmdIncrement, cmd.Kind)
	assert.Equal(t, int64(1), cmd.Delta)

	// Delta defaults to 1
	cmd = feedLine(t, "INCR counter:views count\r\n")
	assert.Equal(t, int64(1), cmd.Delta)

	cmd = feedLine(t, "INCREMENT counter:views count -3\r\n")
	assert.Equal(t, int64(-3), cmd.Delta)

	err := feedLineErr(t, "INC counter:views count lots\r\n")
	assert.Equal(t, "Invalid argument: Invalid delta: lots", err.Error())
}

func TestParsePresence(t *testing.T) {
	// Write with the DATA keyword
	cmd := feedLine(t, "PRESENCE doc:1 DATA {\"cursor\": 5}\r\n")
	assert.Equal(t, CmdPresence, cmd.Kind)
	require.NotNil(t, cmd.Data)
	cursor, ok := cmd.Data.GetPath("cursor")
	require.True(t, ok)
	assert.True(t, cursor.Equal(crdt.NewInt(5)))

	// Bare JSON, with spaces
	cmd = feedLine(t, "PRESENCE doc:1 {\"cursor\": 7}\r\n")
	require.NotNil(t, cmd.Data)

	// No payload means read
	cmd = feedLine(t, "PRESENCE doc:1\r\n")
	assert.Nil(t, cmd.Data)

	// Payload must be valid JSON
	err := feedLineErr(t, "PRESENCE doc:1 DATA {broken\r\n")
	assert.Contains(t, err.Error(), "Invalid JSON")
}

func TestParseKeys(t *testing.T) {
	cmd := feedLine(t, "KEYS\r\n")
	assert.Equal(t, CmdKeys, cmd.Kind)
	assert.Equal(t, "", cmd.Pattern)

	cmd = feedLine(t, "KEYS user:*\r\n")
	assert.Equal(t, "user:*", cmd.Pattern)
}

func TestParseCompact(t *testing.T) {
	cmd := feedLine(t, "COMPACT doc:1\r\n")
	assert.Equal(t, CmdCompact, cmd.Kind)
	assert.Equal(t, "doc:1", cmd.DocumentID)

	err := feedLineErr(t, "COMPACT\r\n")
	assert.Equal(t, "Missing argument: document_id", err.Error())
}

func TestParseSimpleCommands(t *testing.T) {
	assert.Equal(t, CmdPing, feedLine(t, "PING\r\n").Kind)
	assert.Equal(t, CmdQuit, feedLine(t, "QUIT\r\n").Kind)
	assert.Equal(t, CmdInfo, feedLine(t, "INFO\r\n").Kind)

	// Bare newline terminator works too
	assert.Equal(t, CmdPing, feedLine(t, "PING\n").Kind)
	assert.Equal(t, CmdPing, feedLine(t, "ping\n").Kind)
}

func TestParseUnknownAndEmpty(t *testing.T) {
	err := feedLineErr(t, "FROB doc:1\r\n")
	assert.Equal(t, "Invalid command: Unknown command: FROB", err.Error())

	err = feedLineErr(t, "\r\n")
	assert.Equal(t, "Invalid command: Empty command", err.Error())

	err = feedLineErr(t, "   \r\n")
	assert.Equal(t, "Invalid command: Empty command", err.Error())
}

func TestIncompleteCommand(t *testing.T) {
	parser := NewParser()
	require.NoError(t, parser.Feed([]byte("GET user:123")))

	_, ok, err := parser.Parse()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, parser.Feed([]byte("\r\n")))
	cmd, ok, err := parser.Parse()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, CmdGet, cmd.Kind)
}

func TestPipelinedCommands(t *testing.T) {
	parser := NewParser()
	require.NoError(t, parser.Feed([]byte("PING\r\nGET user:1\r\nPING\r\n")))

	kinds := []CommandKind{}
	for {
		cmd, ok, err := parser.Parse()
		require.NoError(t, err)
		if !ok {
			break
		}
		kinds = append(kinds, cmd.Kind)
	}
	assert.Equal(t, []CommandKind{CmdPing, CmdGet, CmdPing}, kinds)
}

func TestParserRecoversAfterBadLine(t *testing.T) {
	parser := NewParser()
	require.NoError(t, parser.Feed([]byte("FROB\r\nPING\r\n")))

	_, _, err := parser.Parse()
	require.Error(t, err)

	// The bad line is consumed; the next command still parses
	cmd, ok, err := parser.Parse()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, CmdPing, cmd.Kind)
}

func TestFeedTooLarge(t *testing.T) {
	parser := NewParser()
	err := parser.Feed([]byte(strings.Repeat("a", MaxMessageSize+1)))
	require.Error(t, err)
	var tooLarge ErrMessageTooLarge
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, MaxMessageSize+1, tooLarge.Size)
	assert.Equal(t, MaxMessageSize, tooLarge.Max)
}

func TestTokenizerQuotes(t *testing.T) {
	// Quoted tokens keep their spaces
	cmd := feedLine(t, "SET doc:1 \"full name\" \"Alice B\"\r\n")
	assert.Equal(t, "full name", cmd.Path)
	assert.True(t, cmd.Value.Equal(crdt.NewString("Alice B")))

	// An unclosed quote is kept verbatim
	cmd = feedLine(t, "AUTH \"secret\r\n")
	assert.Equal(t, "\"secret", cmd.Password)
}
