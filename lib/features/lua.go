package features

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Lua extracts features with a Lua script. The script must define a "features" function taking
// the text and returning a table (array) of strings. Helper functions available to the script:
// lower(s), split(s, sep), trim(s) and starts_with(s, prefix).
//
// Example:
//
//	function features(text)
//	  local res = {}
//	  for _, w in ipairs(split(lower(text), " ")) do
//	    if starts_with(w, "#") then table.insert(res, w) end
//	  end
//	  return res
//	end
type Lua struct {
	lock sync.Mutex // lua state is not goroutine-safe
	vm   *lua.LState
	fn   *lua.LFunction
	name string
}

// NewLua loads the script from the file and makes Lua extractor
func NewLua(path string) (*Lua, error) {
	vm := lua.NewState()
	registerHelpers(vm)
	if err := vm.DoFile(path); err != nil {
		vm.Close()
		return nil, fmt.Errorf("failed to load lua script: %w", err)
	}
	return newLua(vm, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
}

// NewLuaString makes Lua extractor from the script source
func NewLuaString(name, script string) (*Lua, error) {
	vm := lua.NewState()
	registerHelpers(vm)
	if err := vm.DoString(script); err != nil {
		vm.Close()
		return nil, fmt.Errorf("failed to load lua script %s: %w", name, err)
	}
	return newLua(vm, name)
}

func newLua(vm *lua.LState, name string) (*Lua, error) {
	fn, ok := vm.GetGlobal("features").(*lua.LFunction)
	if !ok {
		vm.Close()
		return nil, fmt.Errorf("script %s must define a 'features' function", name)
	}
	return &Lua{vm: vm, fn: fn, name: name}, nil
}

// Name returns the script name
func (l *Lua) Name() string { return l.name }

// Features calls the script and returns sorted unique features it produced. Non-string values are skipped.
func (l *Lua) Features(item string) ([]string, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if err := l.vm.CallByParam(lua.P{Fn: l.fn, NRet: 1, Protect: true}, lua.LString(item)); err != nil {
		return nil, fmt.Errorf("error executing lua script %s: %w", l.name, err)
	}
	ret := l.vm.Get(-1)
	l.vm.Pop(1)

	uniq := map[string]struct{}{}
	switch v := ret.(type) {
	case *lua.LTable:
		v.ForEach(func(_, val lua.LValue) {
			if s, ok := val.(lua.LString); ok && s != "" {
				uniq[string(s)] = struct{}{}
			}
		})
	case *lua.LNilType:
		// no features
	default:
		return nil, fmt.Errorf("lua script %s returned %s, expected table", l.name, ret.Type())
	}
	return sortedKeys(uniq), nil
}

// Close releases lua state
func (l *Lua) Close() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.vm.Close()
}

func registerHelpers(vm *lua.LState) {
	vm.SetGlobal("lower", vm.NewFunction(func(l *lua.LState) int {
		l.Push(lua.LString(strings.ToLower(l.CheckString(1))))
		return 1
	}))
	vm.SetGlobal("trim", vm.NewFunction(func(l *lua.LState) int {
		l.Push(lua.LString(strings.TrimSpace(l.CheckString(1))))
		return 1
	}))
	vm.SetGlobal("starts_with", vm.NewFunction(func(l *lua.LState) int {
		l.Push(lua.LBool(strings.HasPrefix(l.CheckString(1), l.CheckString(2))))
		return 1
	}))
	vm.SetGlobal("split", vm.NewFunction(func(l *lua.LState) int {
		str, sep := l.CheckString(1), l.CheckString(2)
		res := l.NewTable()
		for _, p := range strings.Split(str, sep) {
			if p != "" {
				res.Append(lua.LString(p))
			}
		}
		l.Push(res)
		return 1
	}))
}
