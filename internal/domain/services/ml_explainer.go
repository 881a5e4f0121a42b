package services

import (
	"context"
	"errors"

	"qrguard-lab/internal/domain/models"
)

var errNoExplainer = errors.New("model has no explainer")

// explain attributes features and picks the dominant contributor. Values are
// rounded to three decimals; only the features that were scored are kept.
func explain(ctx context.Context, explainer Explainer, features models.FeatureVector) (models.Attribution, string, error) {
	if explainer == nil {
		return nil, "", errNoExplainer
	}

	raw, err := explainer.Attribute(ctx, features)
	if err != nil {
		return nil, "", err
	}

	scored := make(models.Attribution, len(features))
	for name := range features {
		scored[name] = raw[name]
	}
	top, _ := scored.TopContributor()

	for name, v := range scored {
		scored[name] = round3(v)
	}
	return scored, top, nil
}
