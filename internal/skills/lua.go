// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package skills

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// procFileName is the optional procedural body next to SKILL.md.
const procFileName = "execute.lua"

// luaExecTimeout bounds a single procedural execution.
const luaExecTimeout = 10 * time.Second

// luaEngine runs skill bodies in sandboxed Lua states. States come from a
// pool and are reset after each use; compiled chunks are cached per path.
type luaEngine struct {
	pool sync.Pool

	mu     sync.RWMutex
	protos map[string]*lua.FunctionProto
}

func newLuaEngine() *luaEngine {
	e := &luaEngine{protos: make(map[string]*lua.FunctionProto)}
	e.pool = sync.Pool{New: func() any { return e.newState() }}
	return e
}

// newState builds a restricted state: no io, no real os, no dofile/loadfile.
func (e *luaEngine) newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(pair.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(pair.name)); err != nil {
			log.Errorf("failed to open lua library %s: %v", pair.name, err)
		}
	}

	// Time-only os surface
	osTable := L.NewTable()
	L.SetField(osTable, "time", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	L.SetField(osTable, "clock", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(float64(time.Now().UnixNano()) / 1e9))
		return 1
	}))
	L.SetField(osTable, "date", L.NewFunction(func(L *lua.LState) int {
		format := L.OptString(1, "%c")
		L.Push(lua.LString(time.Now().Format(luaDateFormatToGo(format))))
		return 1
	}))
	L.SetGlobal("os", osTable)

	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	return L
}

// Execute runs dir/execute.lua. The script must define a global function
// execute(input) returning a table.
func (e *luaEngine) Execute(ctx context.Context, dir string, input map[string]any) (map[string]any, error) {
	proto, err := e.compile(filepath.Join(dir, procFileName))
	if err != nil {
		return nil, err
	}

	L := e.pool.Get().(*lua.LState)
	defer func() {
		L.SetGlobal("execute", lua.LNil)
		e.pool.Put(L)
	}()

	execCtx, cancel := context.WithTimeout(ctx, luaExecTimeout)
	defer cancel()
	L.SetContext(execCtx)

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, fmt.Errorf("skill body failed to load: %w", err)
	}
	L.SetTop(0)

	fn := L.GetGlobal("execute")
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("skill body does not define execute()")
	}

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, goMapToLuaTable(L, input)); err != nil {
		return nil, fmt.Errorf("skill execution failed: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	table, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("execute() must return a table, got %s", ret.Type())
	}
	return luaTableToGoMap(table), nil
}

// hasProcBody reports whether the skill carries an execute.lua.
func hasProcBody(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, procFileName))
	return err == nil && !info.IsDir()
}

func (e *luaEngine) compile(path string) (*lua.FunctionProto, error) {
	e.mu.RLock()
	proto, ok := e.protos[path]
	e.mu.RUnlock()
	if ok {
		return proto, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open skill body: %w", err)
	}
	defer func() { _ = file.Close() }()

	chunk, err := parse.Parse(bufio.NewReader(file), path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse skill body: %w", err)
	}
	proto, err = lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("failed to compile skill body: %w", err)
	}

	e.mu.Lock()
	e.protos[path] = proto
	e.mu.Unlock()
	return proto, nil
}

func goMapToLuaTable(L *lua.LState, m map[string]any) *lua.LTable {
	table := L.NewTable()
	for k, v := range m {
		table.RawSetString(k, goValueToLua(L, v))
	}
	return table
}

func goValueToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case map[string]any:
		return goMapToLuaTable(L, val)
	case []any:
		table := L.NewTable()
		for i, item := range val {
			table.RawSetInt(i+1, goValueToLua(L, item))
		}
		return table
	case []string:
		table := L.NewTable()
		for i, item := range val {
			table.RawSetInt(i+1, lua.LString(item))
		}
		return table
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func luaTableToGoMap(table *lua.LTable) map[string]any {
	out := make(map[string]any)
	table.ForEach(func(k, v lua.LValue) {
		out[k.String()] = luaValueToGo(v)
	})
	return out
}

func luaValueToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		// Tables with contiguous integer keys become slices
		length := val.Len()
		if length > 0 {
			arr := make([]any, 0, length)
			isArray := true
			val.ForEach(func(k, _ lua.LValue) {
				if _, ok := k.(lua.LNumber); !ok {
					isArray = false
				}
			})
			if isArray {
				for i := 1; i <= length; i++ {
					arr = append(arr, luaValueToGo(val.RawGetInt(i)))
				}
				return arr
			}
		}
		return luaTableToGoMap(val)
	default:
		return v.String()
	}
}

// luaDateFormatToGo translates the subset of Lua os.date directives the
// skills actually use into a Go reference layout.
func luaDateFormatToGo(format string) string {
	replacer := strings.NewReplacer(
		"%Y", "2006",
		"%m", "01",
		"%d", "02",
		"%H", "15",
		"%M", "04",
		"%S", "05",
		"%c", "Mon Jan  2 15:04:05 2006",
		"%x", "01/02/06",
		"%X", "15:04:05",
	)
	return replacer.Replace(format)
}
