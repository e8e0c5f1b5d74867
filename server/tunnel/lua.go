package tunnel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/server"
	lua "github.com/yuin/gopher-lua"
)

const luaEntryPoint = "handle"

type luaScript struct {
	name string
	mu   sync.Mutex
	L    *lua.LState
	fn   lua.LValue
}

// LuaHandler runs request scripts from a directory. Every top-level *.lua
// file must define a global function
//
//	function handle(req) return status, content_type, body end
//
// where req has the fields verb, url, scheme, host, path, query, headers
// and body. Returning nil as the status passes the request on. Scripts are
// tried in file name order and each has its own interpreter state.
type LuaHandler struct {
	scripts []*luaScript
}

// NewLuaHandler loads every script in dir. Subdirectories are added to
// package.path so scripts can require shared modules from them.
func NewLuaHandler(dir string) (*LuaHandler, error) {
	if !scriptDirExists(dir) {
		return nil, fmt.Errorf("lua scripts directory %s not found", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	h := &LuaHandler{}
	for _, file := range files {
		s, err := loadScript(dir, file)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.scripts = append(h.scripts, s)
	}
	logger.Info("Tunnel: lua scripts loaded", "dir", dir, "count", len(h.scripts))
	return h, nil
}

func loadScript(dir, file string) (*luaScript, error) {
	L := lua.NewState()
	pkg := L.GetGlobal("package").(*lua.LTable)
	current := L.GetField(pkg, "path").String()
	L.SetField(pkg, "path", lua.LString(current+";"+filepath.Join(dir, "lib", "?.lua")))

	if err := L.DoFile(file); err != nil {
		L.Close()
		return nil, fmt.Errorf("lua %s: %w", file, err)
	}
	fn := L.GetGlobal(luaEntryPoint)
	if fn.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("lua %s: no global %s function", file, luaEntryPoint)
	}
	return &luaScript{name: filepath.Base(file), L: L, fn: fn}, nil
}

func (h *LuaHandler) Name() string { return "lua" }

// Scripts returns the loaded script names in call order.
func (h *LuaHandler) Scripts() []string {
	names := make([]string, len(h.scripts))
	for i, s := range h.scripts {
		names[i] = s.name
	}
	return names
}

func (h *LuaHandler) Handle(ctx context.Context, req *server.Request) (*Response, error) {
	for _, s := range h.scripts {
		resp, err := s.call(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

func (h *LuaHandler) Close() {
	for _, s := range h.scripts {
		s.L.Close()
	}
}

func (s *luaScript) call(ctx context.Context, req *server.Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	L := s.L
	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{Fn: s.fn, NRet: 3, Protect: true}, requestTable(L, req)); err != nil {
		return nil, fmt.Errorf("lua %s: %w", s.name, err)
	}
	status, contentType, body := L.Get(-3), L.Get(-2), L.Get(-1)
	L.Pop(3)

	if status == lua.LNil {
		return nil, nil
	}
	code, ok := status.(lua.LNumber)
	if !ok || code < 100 || code > 599 {
		return nil, fmt.Errorf("lua %s: invalid status %s", s.name, status.String())
	}
	resp := &Response{Status: int(code)}
	if contentType != lua.LNil {
		resp.ContentType = contentType.String()
	}
	if body != lua.LNil {
		resp.Body = []byte(body.String())
	}
	return resp, nil
}

func requestTable(L *lua.LState, req *server.Request) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "verb", lua.LString(req.Verb))
	L.SetField(t, "url", lua.LString(req.Target.String()))
	L.SetField(t, "scheme", lua.LString(strings.ToLower(req.Target.Scheme)))
	L.SetField(t, "host", lua.LString(req.Target.Host))
	L.SetField(t, "path", lua.LString(targetPath(req)))
	L.SetField(t, "query", lua.LString(req.Target.RawQuery))
	L.SetField(t, "body", lua.LString(req.Body))

	headers := L.NewTable()
	for _, k := range req.Headers.Keys() {
		v, _ := req.Headers.Get(k)
		L.SetField(headers, k, lua.LString(v))
	}
	L.SetField(t, "headers", headers)
	return t
}

// scriptDirExists reports whether dir is a readable directory.
func scriptDirExists(dir string) bool {
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}
