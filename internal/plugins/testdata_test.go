package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var testImports = []string{"errors", "fmt", "strings"}

const echoPlugin = `package echo

import "strings"

var Name = "echo"

var Commands = []string{"echo"}

func OnMessage(data map[string]interface{}) (string, error) {
	text, _ := data["text"].(string)
	return strings.TrimSpace(strings.TrimPrefix(text, ".echo")), nil
}
`

// versionPlugin is a fmt template; %d is the version.
const versionPlugin = `package version

import "fmt"

func Default(event string, data map[string]interface{}) (string, error) {
	return fmt.Sprintf("v%%d:%%s", VERSION, event), nil
}

const VERSION = %d
`

const brokenPlugin = `package broken

func OnMessage(data map[string]interface{}) (string, error) {
	return "unterminated
}
`

func writePlugin(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}
