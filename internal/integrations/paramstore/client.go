package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Getter is the interface that wraps GetParameter.
// The backend client depends on this rather than *Client so it can be tested
// without AWS.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter returns the decrypted value of one parameter.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// GetParameters reads several parameters in one call. Missing parameters are
// reported together in the error; a partial result is never returned.
func (c *Client) GetParameters(ctx context.Context, names ...string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	cleaned := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, errors.New("paramstore: name is required")
		}
		cleaned = append(cleaned, n)
	}
	if len(cleaned) == 0 {
		return map[string]string{}, nil
	}

	out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          cleaned,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("paramstore: get parameters: %w", err)
	}
	if out == nil {
		return nil, errors.New("paramstore: empty get parameters response")
	}
	if len(out.InvalidParameters) > 0 {
		return nil, fmt.Errorf("paramstore: parameters not found: %s", strings.Join(out.InvalidParameters, ", "))
	}

	values := make(map[string]string, len(out.Parameters))
	for _, p := range out.Parameters {
		if p.Name == nil || p.Value == nil {
			continue
		}
		values[*p.Name] = *p.Value
	}
	for _, n := range cleaned {
		if _, ok := values[n]; !ok {
			return nil, fmt.Errorf("paramstore: parameter %q missing value", n)
		}
	}
	return values, nil
}
