// Package filter evaluates per-session CEL expressions against inbound
// messages so tenants can scope which chats the pipeline answers.
package filter

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/internal/cache"
)

// Message is the variable set an expression sees.
type Message struct {
	Body     string
	ChatID   string
	FromMe   bool
	HasMedia bool
}

var env *cel.Env

func init() {
	var err error
	env, err = cel.NewEnv(
		cel.Variable("body", cel.StringType),
		cel.Variable("chatId", cel.StringType),
		cel.Variable("fromMe", cel.BoolType),
		cel.Variable("hasMedia", cel.BoolType),
	)
	if err != nil {
		panic(fmt.Sprintf("filter: CEL environment: %v", err))
	}
}

// Validate compiles expr and checks it evaluates to bool. Sessions reject
// bad expressions at write time so the hot path never sees one.
func Validate(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := compile(expr)
	return err
}

func compile(expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "invalid filter expression")
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.Errorf("filter expression must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "build filter program")
	}
	return prg, nil
}

// Engine caches compiled programs across webhook deliveries.
type Engine struct {
	programs *cache.LRU[uint64, cel.Program]
}

func NewEngine() *Engine {
	return &Engine{
		programs: cache.New[uint64, cel.Program](256, time.Hour),
	}
}

// Allow evaluates expr against msg. The empty expression allows everything.
// Errors are returned for the caller to log; the dispatcher fails open.
func (e *Engine) Allow(expr string, msg *Message) (bool, error) {
	if expr == "" {
		return true, nil
	}

	key := exprKey(expr)
	prg, ok := e.programs.Get(key)
	if !ok {
		var err error
		prg, err = compile(expr)
		if err != nil {
			return true, err
		}
		e.programs.Set(key, prg, 0)
	}

	out, _, err := prg.Eval(map[string]any{
		"body":     msg.Body,
		"chatId":   msg.ChatID,
		"fromMe":   msg.FromMe,
		"hasMedia": msg.HasMedia,
	})
	if err != nil {
		return true, errors.Wrap(err, "evaluate filter expression")
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return true, errors.Errorf("filter expression returned %T, want bool", out.Value())
	}
	return allowed, nil
}

func exprKey(expr string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(expr))
	return h.Sum64()
}
