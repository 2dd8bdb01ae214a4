package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

const defaultTargetURL = "https://satsp.fazenda.sp.gov.br/COMSAT/Public/ConsultaPublica/ConsultaPublicaCfe.aspx"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	app := &cli.App{
		Name:  "page-task-dispatcher",
		Usage: "Poll SQS for page-visit tasks and navigate a headless browser per message",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the dispatcher loop",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "queue-url",
						Usage:    "AWS SQS queue URL",
						Required: true,
						EnvVars:  []string{"SQS_QUEUE_URL"},
					},
					&cli.StringFlag{
						Name:    "dlq-url",
						Usage:   "Dead-letter queue URL (empty disables DLQ routing)",
						EnvVars: []string{"DLQ_URL"},
					},
					&cli.IntFlag{
						Name:    "max-messages",
						Usage:   "Messages per receive, also the concurrency cap (1-10)",
						Value:   5,
						EnvVars: []string{"MAX_NUMBER_OF_MESSAGES"},
					},
					&cli.IntFlag{
						Name:    "wait-time-seconds",
						Usage:   "Long-poll wait per receive (0-20)",
						Value:   10,
						EnvVars: []string{"WAIT_TIME_SECONDS"},
					},
					&cli.IntFlag{
						Name:    "visibility-timeout",
						Usage:   "Visibility timeout in seconds applied at receive",
						Value:   30,
						EnvVars: []string{"VISIBILITY_TIMEOUT"},
					},
					&cli.IntFlag{
						Name:    "poll-interval-seconds",
						Usage:   "Sleep after an empty receive",
						Value:   5,
						EnvVars: []string{"POLL_INTERVAL_SECONDS"},
					},
					&cli.IntFlag{
						Name:    "navigation-timeout-seconds",
						Usage:   "Time budget for one page navigation",
						Value:   10,
						EnvVars: []string{"NAVIGATION_TIMEOUT_SECONDS"},
					},
					&cli.StringFlag{
						Name:    "default-url",
						Usage:   "Target URL used when a message omits one",
						Value:   defaultTargetURL,
						EnvVars: []string{"WEBSITE_URL"},
					},
					&cli.StringFlag{
						Name:    "chrome-path",
						Usage:   "Chrome binary path (empty uses PATH lookup)",
						EnvVars: []string{"CHROME_BINARY_PATH"},
					},
					&cli.BoolFlag{
						Name:    "headless",
						Usage:   "Run the browser headless",
						Value:   true,
						EnvVars: []string{"HEADLESS"},
					},
					&cli.StringFlag{
						Name:    "log-level",
						Usage:   "Log level (debug, info, warn, error)",
						Value:   "info",
						EnvVars: []string{"LOG_LEVEL"},
					},
				},
				Action: startDispatcher,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Application failed")
	}
}

func startDispatcher(c *cli.Context) error {
	switch c.String("log-level") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	awsCFG, err := awsconfig.LoadDefaultConfig(context.TODO())
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	queueCFG := QueueClientConfig{
		QueueURL:          c.String("queue-url"),
		DeadLetterURL:     c.String("dlq-url"),
		MaxMessages:       int32(c.Int("max-messages")),
		WaitTimeSeconds:   int32(c.Int("wait-time-seconds")),
		VisibilityTimeout: int32(c.Int("visibility-timeout")),
	}

	queue, err := NewQueueClient(sqs.NewFromConfig(awsCFG), queueCFG)
	if err != nil {
		return fmt.Errorf("invalid queue configuration: %w", err)
	}

	navigationTimeout := time.Duration(c.Int("navigation-timeout-seconds")) * time.Second
	if navigationTimeout <= 0 {
		return fmt.Errorf("navigation timeout must be positive, got %s", navigationTimeout)
	}
	if int32(navigationTimeout/time.Second) >= queueCFG.VisibilityTimeout {
		log.Warn().
			Dur("navigation_timeout", navigationTimeout).
			Int32("visibility_timeout", queueCFG.VisibilityTimeout).
			Msg("Navigation timeout close to visibility timeout, duplicate delivery possible")
	}

	if !queue.HasDeadLetter() {
		log.Warn().Msg("No DLQ configured, failed messages will be left for redelivery")
	}

	navigator := &ChromeNavigator{
		BinaryPath: c.String("chrome-path"),
		Headless:   c.Bool("headless"),
	}

	processor := NewMessageProcessor(navigator, c.String("default-url"), navigationTimeout)
	router := NewOutcomeRouter(queue)

	// a routing call should never outlive the delivery it acts on
	routeTimeout := time.Duration(queueCFG.VisibilityTimeout) * time.Second
	if routeTimeout <= 0 {
		routeTimeout = 30 * time.Second
	}

	dispatcherCFG := DispatcherConfig{
		PollInterval:   time.Duration(c.Int("poll-interval-seconds")) * time.Second,
		ReceiveBackoff: 5 * time.Second,
		RouteTimeout:   routeTimeout,
		StatsInterval:  30 * time.Second,
	}
	if err := dispatcherCFG.Validate(); err != nil {
		return fmt.Errorf("invalid dispatcher configuration: %w", err)
	}

	dispatcher := NewDispatcher(queue, processor, router, dispatcherCFG)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info().Str("queue_url", queueCFG.QueueURL).Msg("Starting page-task dispatcher")
	go dispatcher.Start()

	<-sigChan
	log.Info().Msg("Shutting down, waiting for in-flight messages...")
	dispatcher.Stop()

	return nil
}
