package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/xid"
)

var (
	queueURL         string
	region           string
	numberOfMessages int
	concurrency      int
	sendTimeout      time.Duration
	blankRatio       float64
	malformedRatio   float64
	currentPattern   WorkloadPattern
)

func init() {
	queueURL = getEnv("SQS_QUEUE_URL", "")
	if queueURL == "" {
		fmt.Fprintf(os.Stderr, "ERROR: SQS_QUEUE_URL environment variable is required\n")
		os.Exit(1)
	}

	region = getEnv("AWS_REGION", "sa-east-1")
	numberOfMessages = getEnvInt("LOAD_TEST_MESSAGES", 200)
	concurrency = getEnvInt("LOAD_TEST_CONCURRENCY", 10)
	sendTimeout = time.Duration(getEnvInt("LOAD_TEST_TIMEOUT_SECONDS", 30)) * time.Second
	blankRatio = getEnvFloat("LOAD_TEST_BLANK_RATIO", 0.2)
	malformedRatio = getEnvFloat("LOAD_TEST_MALFORMED_RATIO", 0.1)
	currentPattern = WorkloadPattern(getEnv("LOAD_TEST_PATTERN", "steady"))
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

type WorkloadPattern string

const (
	PatternSteady WorkloadPattern = "steady"
	PatternBurst  WorkloadPattern = "burst"
	PatternWave   WorkloadPattern = "wave"
)

// task kinds the dispatcher must handle
const (
	TaskValid     = "valid"
	TaskBlank     = "blank"     // no WEBSITE_URL, dispatcher falls back to its default
	TaskMalformed = "malformed" // not JSON at all, must end up in the DLQ
)

type TaskBody struct {
	WebsiteURL string `json:"WEBSITE_URL,omitempty"`
	RequestID  string `json:"request_id"`
}

var targetURLs = []string{
	"https://example.com/",
	"https://example.org/catalog",
	"https://example.net/search?q=load-test",
	"https://httpbin.org/delay/1",
	"https://httpbin.org/html",
}

type Result struct {
	Success  bool
	Duration time.Duration
	Index    int
	Error    string
	TaskKind string
}

type logEntry struct {
	message  string
	taskKind string
	success  bool
}

type tickMsg time.Time
type resultMsg Result
type completeMsg struct{}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	validStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("117"))

	blankStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220"))

	malformedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("213"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("111"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 2).
			MarginBottom(1)
)

type model struct {
	spinner        spinner.Model
	progress       progress.Model
	totalMessages  int
	sentMessages   int
	successfulMsgs int
	failedMsgs     int
	kindCounts     map[string]int
	recentLogs     []logEntry
	errors         []string
	minLatency     time.Duration
	maxLatency     time.Duration
	totalLatency   time.Duration
	throughput     float64
	startTime      time.Time
	isComplete     bool
	width          int
}

func initialModel() model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		spinner:       s,
		progress:      progress.New(progress.WithDefaultGradient()),
		totalMessages: numberOfMessages,
		kindCounts:    make(map[string]int),
		recentLogs:    make([]logEntry, 0, 10),
		startTime:     time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tickMsg:
		if !m.isComplete {
			return m, tickCmd()
		}
		return m, nil

	case resultMsg:
		m.sentMessages++
		m.kindCounts[msg.TaskKind]++

		if m.sentMessages == 1 || msg.Duration < m.minLatency {
			m.minLatency = msg.Duration
		}
		if msg.Duration > m.maxLatency {
			m.maxLatency = msg.Duration
		}
		m.totalLatency += msg.Duration

		elapsed := time.Since(m.startTime).Seconds()
		if elapsed > 0 {
			m.throughput = float64(m.successfulMsgs) / elapsed
		}

		if msg.Success {
			m.successfulMsgs++
			m.recentLogs = append([]logEntry{{
				message:  fmt.Sprintf("Task %d sent (%v)", msg.Index, msg.Duration.Round(time.Millisecond)),
				taskKind: msg.TaskKind,
				success:  true,
			}}, m.recentLogs...)
		} else {
			m.failedMsgs++
			m.recentLogs = append([]logEntry{{
				message:  fmt.Sprintf("Task %d failed: %s", msg.Index, msg.Error),
				taskKind: msg.TaskKind,
				success:  false,
			}}, m.recentLogs...)
			m.errors = append([]string{msg.Error}, m.errors...)
			if len(m.errors) > 5 {
				m.errors = m.errors[:5]
			}
		}

		if len(m.recentLogs) > 10 {
			m.recentLogs = m.recentLogs[:10]
		}
		return m, nil

	case completeMsg:
		m.isComplete = true
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("SQS Page-Task Load Generator") + "\n")

	progressPercent := float64(m.sentMessages) / float64(m.totalMessages)
	progressText := fmt.Sprintf("Progress: %d/%d tasks (%.1f%%)",
		m.sentMessages, m.totalMessages, progressPercent*100)
	if m.isComplete {
		progressText = "✓ " + progressText
	} else {
		progressText = m.spinner.View() + " " + progressText
	}
	b.WriteString(progressText + "\n")
	b.WriteString(m.progress.ViewAs(progressPercent) + "\n\n")

	var avgLatency time.Duration
	if m.sentMessages > 0 {
		avgLatency = m.totalLatency / time.Duration(m.sentMessages)
	}

	stats := strings.Join([]string{
		labelStyle.Render("pattern ") + valueStyle.Render(string(currentPattern)),
		labelStyle.Render("ok ") + successStyle.Render(strconv.Itoa(m.successfulMsgs)),
		labelStyle.Render("failed ") + errorStyle.Render(strconv.Itoa(m.failedMsgs)),
		labelStyle.Render("valid ") + validStyle.Render(strconv.Itoa(m.kindCounts[TaskValid])),
		labelStyle.Render("blank ") + blankStyle.Render(strconv.Itoa(m.kindCounts[TaskBlank])),
		labelStyle.Render("malformed ") + malformedStyle.Render(strconv.Itoa(m.kindCounts[TaskMalformed])),
		labelStyle.Render("rate ") + valueStyle.Render(fmt.Sprintf("%.1f/s", m.throughput)),
		labelStyle.Render("latency ") + valueStyle.Render(fmt.Sprintf("%v/%v/%v",
			m.minLatency.Round(time.Millisecond),
			avgLatency.Round(time.Millisecond),
			m.maxLatency.Round(time.Millisecond))),
	}, "  ")
	b.WriteString(boxStyle.Render(stats) + "\n")

	var logs strings.Builder
	for _, entry := range m.recentLogs {
		line := entry.message
		switch {
		case !entry.success:
			line = errorStyle.Render(line)
		case entry.taskKind == TaskMalformed:
			line = malformedStyle.Render(line)
		case entry.taskKind == TaskBlank:
			line = blankStyle.Render(line)
		default:
			line = validStyle.Render(line)
		}
		logs.WriteString(line + "\n")
	}
	b.WriteString(boxStyle.Render(strings.TrimRight(logs.String(), "\n")) + "\n")

	if len(m.errors) > 0 {
		b.WriteString(boxStyle.Render(errorStyle.Render(strings.Join(m.errors, "\n"))) + "\n")
	}

	if m.isComplete {
		b.WriteString(successStyle.Render("\n✓ Done! Press 'q' to quit"))
	} else {
		b.WriteString(labelStyle.Render("\nPress 'q' to quit"))
	}

	return b.String()
}

func getMessageDelay(pattern WorkloadPattern, index, total int, rng *rand.Rand) time.Duration {
	progress := float64(index) / float64(total)
	switch pattern {
	case PatternBurst:
		if progress < 0.3 || (progress > 0.6 && progress < 0.7) {
			return time.Duration(rng.Intn(5)) * time.Millisecond
		}
		return time.Duration(50+rng.Intn(100)) * time.Millisecond

	case PatternWave:
		sineValue := (1 + math.Sin(progress*6*math.Pi)) / 2
		return time.Duration(5+int(sineValue*195)+rng.Intn(10)) * time.Millisecond

	default:
		return time.Duration(10+rng.Intn(5)) * time.Millisecond
	}
}

func pickTaskKind(rng *rand.Rand) string {
	roll := rng.Float64()
	switch {
	case roll < malformedRatio:
		return TaskMalformed
	case roll < malformedRatio+blankRatio:
		return TaskBlank
	default:
		return TaskValid
	}
}

func buildBody(rng *rand.Rand, kind string) (string, error) {
	switch kind {
	case TaskMalformed:
		return fmt.Sprintf("not-json{{%s", xid.New().String()), nil
	case TaskBlank:
		body, err := json.Marshal(TaskBody{RequestID: xid.New().String()})
		return string(body), err
	default:
		body, err := json.Marshal(TaskBody{
			WebsiteURL: targetURLs[rng.Intn(len(targetURLs))],
			RequestID:  xid.New().String(),
		})
		return string(body), err
	}
}

func sendTask(ctx context.Context, client *sqs.Client, rng *rand.Rand, index int) Result {
	kind := pickTaskKind(rng)

	body, err := buildBody(rng, kind)
	if err != nil {
		return Result{Index: index, Error: fmt.Sprintf("JSON marshal error: %v", err), TaskKind: kind}
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	startTime := time.Now()
	_, err = client.SendMessage(sendCtx, &sqs.SendMessageInput{
		QueueUrl:    &queueURL,
		MessageBody: &body,
	})
	duration := time.Since(startTime)

	if err != nil {
		return Result{Duration: duration, Index: index, Error: err.Error(), TaskKind: kind}
	}
	return Result{Success: true, Duration: duration, Index: index, TaskKind: kind}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Unable to load SDK config: %v\n", err)
		os.Exit(1)
	}
	client := sqs.NewFromConfig(cfg)

	p := tea.NewProgram(initialModel(), tea.WithAltScreen())

	go func() {
		jobs := make(chan int, numberOfMessages)
		results := make(chan Result, numberOfMessages)

		var wg sync.WaitGroup
		for w := 0; w < concurrency; w++ {
			wg.Add(1)
			go func(workerID int) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

				for {
					select {
					case index, ok := <-jobs:
						if !ok {
							return
						}
						time.Sleep(getMessageDelay(currentPattern, index, numberOfMessages, rng))
						results <- sendTask(ctx, client, rng, index)
					case <-ctx.Done():
						return
					}
				}
			}(w)
		}

		go func() {
			for i := 1; i <= numberOfMessages; i++ {
				select {
				case jobs <- i:
				case <-ctx.Done():
					close(jobs)
					return
				}
			}
			close(jobs)
		}()

		go func() {
			wg.Wait()
			close(results)
		}()

		for result := range results {
			p.Send(resultMsg(result))
		}
		p.Send(completeMsg{})
	}()

	go func() {
		<-sigChan
		cancel()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}
