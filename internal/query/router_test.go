package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chatgate/internal/domain"
	"chatgate/internal/logging"
)

type fakeEngine func(ctx context.Context, q string) (domain.QueryResult, error)

func (f fakeEngine) Query(ctx context.Context, q string) (domain.QueryResult, error) {
	return f(ctx, q)
}

const apology = "Ocurrió un error al procesar tu consulta."

func TestAnswer_ReturnsEngineAnswer(t *testing.T) {
	r := NewRouter(fakeEngine(func(_ context.Context, q string) (domain.QueryResult, error) {
		return domain.QueryResult{Answer: "42"}, nil
	}), time.Second, apology, logging.Discard())
	assert.Equal(t, "42", r.Answer(context.Background(), "what?"))
}

func TestAnswer_ErrorBecomesApology(t *testing.T) {
	r := NewRouter(fakeEngine(func(context.Context, string) (domain.QueryResult, error) {
		return domain.QueryResult{}, errors.New("boom")
	}), time.Second, apology, logging.Discard())
	assert.Equal(t, apology, r.Answer(context.Background(), "q"))
}

func TestAnswer_EmptyAnswerBecomesApology(t *testing.T) {
	r := NewRouter(fakeEngine(func(context.Context, string) (domain.QueryResult, error) {
		return domain.QueryResult{Answer: "  "}, nil
	}), time.Second, apology, logging.Discard())
	assert.Equal(t, apology, r.Answer(context.Background(), "q"))
}

func TestAnswer_Timeout(t *testing.T) {
	r := NewRouter(fakeEngine(func(ctx context.Context, _ string) (domain.QueryResult, error) {
		<-ctx.Done()
		return domain.QueryResult{}, ctx.Err()
	}), 20*time.Millisecond, apology, logging.Discard())

	start := time.Now()
	assert.Equal(t, apology, r.Answer(context.Background(), "slow"))
	assert.Less(t, time.Since(start), time.Second)
}
