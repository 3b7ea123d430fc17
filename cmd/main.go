package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/GuGu2310/mental-health-chatbot/handler"
	"github.com/GuGu2310/mental-health-chatbot/internal/connectivity"
	"github.com/GuGu2310/mental-health-chatbot/internal/integrations/backend"
	"github.com/GuGu2310/mental-health-chatbot/internal/integrations/paramstore"
	"github.com/GuGu2310/mental-health-chatbot/internal/repository"
	"github.com/GuGu2310/mental-health-chatbot/internal/retry"
	"github.com/GuGu2310/mental-health-chatbot/internal/sender"
	"github.com/GuGu2310/mental-health-chatbot/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := strings.TrimRight(mustEnv("PARAM_PREFIX"), "/")
	backendURL := os.Getenv("BACKEND_URL")
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", sender.DefaultMaxLength)
	policy := retry.Policy{
		MaxAttempts: envInt("SEND_MAX_ATTEMPTS", retry.DefaultMaxAttempts),
		BaseDelay:   envDuration("SEND_BASE_DELAY", retry.DefaultBaseDelay),
	}
	backendTimeout := envDuration("BACKEND_TIMEOUT", 10*time.Second)
	probeTimeout := envDuration("PROBE_TIMEOUT", 2*time.Second)
	guardLimit := envInt("MAX_TRACKED_CONVERSATIONS", 1024)

	logger := slog.Default()

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	stateClient, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	backendOpts := []backend.Option{
		backend.WithHTTPClient(&http.Client{Timeout: backendTimeout}),
		backend.WithMaxSessions(guardLimit),
		backend.WithLogger(logger),
	}
	required := []string{paramPrefix + "/backend_credentials"}
	if backendURL != "" {
		backendOpts = append(backendOpts, backend.WithBaseURL(backendURL))
	} else {
		required = append(required, paramPrefix+"/backend_url")
	}
	// Fail the cold start rather than every request.
	if _, err := ssmClient.GetParameters(ctx, required...); err != nil {
		slog.Error("required parameters are missing", "prefix", paramPrefix, "err", err)
		os.Exit(1)
	}
	backendClient, err := backend.NewClient(ssmClient, paramPrefix, backendOpts...)
	if err != nil {
		slog.Error("failed to create backend client", "err", err)
		os.Exit(1)
	}

	probe, err := connectivity.NewProbe(backendClient, probeTimeout, logger)
	if err != nil {
		slog.Error("failed to create connectivity probe", "err", err)
		os.Exit(1)
	}

	msgSender, err := sender.New(backendClient,
		sender.Config{MaxLength: maxMessageLen, Retry: policy},
		sender.WithConnectivity(probe),
		sender.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create sender", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(msgSender, sender.NewRegistry(guardLimit), backendClient, stateClient, logger)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}
	moodService, err := usecase.NewMoodService(backendClient, stateClient, policy, logger)
	if err != nil {
		slog.Error("failed to create mood service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, moodService, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer environment variable", "key", key, "value", v)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring invalid duration environment variable", "key", key, "value", v)
		return def
	}
	return d
}
