package answer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kalambet/knowstack/internal/apperr"
)

// Chain tries generators in order and returns the first answer.
type Chain struct {
	generators []Generator
	logger     *zap.Logger
}

var _ Generator = (*Chain)(nil)

func NewChain(logger *zap.Logger, generators ...Generator) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{generators: generators, logger: logger}
}

func (c *Chain) Generate(ctx context.Context, req Request) (Answer, error) {
	if err := validate(req); err != nil {
		return Answer{}, err
	}
	var errs []error
	for i, g := range c.generators {
		ans, err := g.Generate(ctx, req)
		if err == nil {
			return ans, nil
		}
		c.logger.Warn("answer generator failed, trying next", zap.Int("position", i), zap.Error(err))
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Answer{}, apperr.New(apperr.KindConfig, "no answer generators configured")
	}
	return Answer{}, errors.Join(errs...)
}
