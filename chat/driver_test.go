package chat_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpchat/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriver_QuitWithoutQuery(t *testing.T) {
	model := &fakeModel{}
	ch := chat.New(model, &fakeInvoker{}, testCatalog(t))

	var out bytes.Buffer
	d := chat.NewDriver(ch, strings.NewReader("  QuIt  \n"), &out)
	err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, model.calls)
}

func TestDriver_EOFEndsLoop(t *testing.T) {
	model := &fakeModel{
		turns: []modelTurn{{resp: textResponse("4")}},
	}
	ch := chat.New(model, &fakeInvoker{}, testCatalog(t))

	var out bytes.Buffer
	d := chat.NewDriver(ch, strings.NewReader("what is 2+2?\n"), &out)
	err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, model.calls, 1)
	assert.Contains(t, out.String(), "4")
}

func TestDriver_SkipsBlankLines(t *testing.T) {
	model := &fakeModel{
		turns: []modelTurn{{resp: textResponse("hello")}},
	}
	ch := chat.New(model, &fakeInvoker{}, testCatalog(t))

	var out bytes.Buffer
	d := chat.NewDriver(ch, strings.NewReader("\n\nhi\nquit\n"), &out)
	err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, model.calls, 1)
}

func TestDriver_QueryErrorReported(t *testing.T) {
	// the turn limit error is printed, but the loop survives and the next
	// query is processed
	model := &fakeModel{
		turns: []modelTurn{
			{resp: toolUseResponse("", "toolu_01", "loop", `{}`)},
		},
	}
	ch := chat.New(model, &fakeInvoker{res: toolTextResult("ok")}, testCatalog(t, "loop"), chat.WithMaxTurns(1))

	var out bytes.Buffer
	d := chat.NewDriver(ch, strings.NewReader("first\nquit\n"), &out)
	err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "turn limit of 1 exceeded")
}

func TestDriver_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &fakeModel{}
	ch := chat.New(model, &fakeInvoker{}, testCatalog(t))

	var out bytes.Buffer
	d := chat.NewDriver(ch, strings.NewReader("hello\n"), &out)
	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, model.calls)
}

func TestDriver_ModelErrorInline(t *testing.T) {
	model := &fakeModel{
		turns: []modelTurn{{err: errors.New("api down")}},
	}
	ch := chat.New(model, &fakeInvoker{}, testCatalog(t))

	var out bytes.Buffer
	d := chat.NewDriver(ch, strings.NewReader("hello\nquit\n"), &out)
	err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Error: api down")
}
