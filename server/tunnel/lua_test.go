package tunnel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
}

func TestLuaHandlerAnswersAndPasses(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "10-echo.lua", `
function handle(req)
  if req.host ~= "lua.test" then
    return nil
  end
  return 200, "text/plain", req.verb .. " " .. req.path .. "?" .. req.query .. " " .. (req.headers["User-Agent"] or "")
end
`)
	h, err := NewLuaHandler(dir)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	assert.Equal(t, []string{"10-echo.lua"}, h.Scripts())

	resp, err := h.Handle(context.Background(), parse(t, "GET", "http://lua.test/hello?x=1", "User-Agent: Mosaic/2.0"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "text/plain", resp.ContentType)
	assert.Equal(t, "GET /hello?x=1 Mosaic/2.0", string(resp.Body))

	resp, err = h.Handle(context.Background(), parse(t, "GET", "http://other.test/"))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestLuaScriptsRunInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "b.lua", `function handle(req) return 200, "text/plain", "b" end`)
	writeScript(t, dir, "a.lua", `function handle(req) if req.path == "/a" then return 200, "text/plain", "a" end end`)
	h, err := NewLuaHandler(dir)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	assert.Equal(t, []string{"a.lua", "b.lua"}, h.Scripts())

	resp, err := h.Handle(context.Background(), parse(t, "GET", "http://x/a"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(resp.Body))

	resp, err = h.Handle(context.Background(), parse(t, "GET", "http://x/other"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(resp.Body))
}

func TestLuaRequireFromLib(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "lib/greet.lua", `return { hello = function(who) return "hello " .. who end }`)
	writeScript(t, dir, "main.lua", `
local greet = require("greet")
function handle(req) return 200, nil, greet.hello(req.host) end
`)
	h, err := NewLuaHandler(dir)
	require.NoError(t, err)
	t.Cleanup(h.Close)

	resp, err := h.Handle(context.Background(), parse(t, "GET", "http://world/"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(resp.Body))
	assert.Empty(t, resp.ContentType)
}

func TestLuaScriptErrors(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "boom.lua", `
function handle(req)
  if req.path == "/boom" then error("exploded") end
  if req.path == "/bad" then return 42, "text/plain", "x" end
  return nil
end
`)
	h, err := NewLuaHandler(dir)
	require.NoError(t, err)
	t.Cleanup(h.Close)

	_, err = h.Handle(context.Background(), parse(t, "GET", "http://x/boom"))
	assert.ErrorContains(t, err, "exploded")

	_, err = h.Handle(context.Background(), parse(t, "GET", "http://x/bad"))
	assert.ErrorContains(t, err, "invalid status")

	resp, err := h.Handle(context.Background(), parse(t, "GET", "http://x/fine"))
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestLuaLoadErrors(t *testing.T) {
	_, err := NewLuaHandler(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	dir := t.TempDir()
	writeScript(t, dir, "nohandle.lua", `local x = 1`)
	_, err = NewLuaHandler(dir)
	assert.ErrorContains(t, err, "no global handle function")

	dir = t.TempDir()
	writeScript(t, dir, "syntax.lua", `function handle(req`)
	_, err = NewLuaHandler(dir)
	assert.Error(t, err)
}
