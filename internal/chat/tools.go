package chat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Server-side tool endpoints a confirmed side effect is sent to.
const (
	ToolSendEmail    = "send-email"
	ToolSendSMS      = "send-sms"
	ToolSendTelegram = "send-telegram"
)

// ToolResult is what a local tool hands back to the session.
type ToolResult struct {
	Display              string
	RequiresConfirmation bool
	ToolName             string
	Payload              map[string]any
	Severity             string
}

// Invocation is a classified query ready to run.
type Invocation struct {
	Tool string
	args []string
	run  func(ctx context.Context, args []string) (ToolResult, error)
}

func (i Invocation) Run(ctx context.Context) (ToolResult, error) {
	return i.run(ctx, i.args)
}

type toolRule struct {
	name string
	re   *regexp.Regexp
	run  func(ctx context.Context, args []string) (ToolResult, error)
}

// Classifier recognizes local tool intents from the raw query text.
type Classifier struct {
	rules []toolRule
}

var (
	timePattern     = regexp.MustCompile(`(?i)^\s*(?:what\s+time\s+is\s+it|what(?:'s|\s+is)\s+the\s+(?:current\s+)?time|(?:the\s+)?current\s+time)\s*[?.!]*\s*$`)
	calcPattern     = regexp.MustCompile(`(?i)^\s*(?:calculate|calc|compute|what\s+is|what's)\s+([-+*/%^().\d\s]+?)\s*[?=]*\s*$`)
	emailPattern    = regexp.MustCompile(`(?is)^\s*(?:send\s+(?:an\s+)?)?e-?mail\s+(?:to\s+)?([^\s@]+@[^\s@]+\.[^\s@]+)\s+(?:saying|that\s+says|with\s+message|:)\s*(.+?)\s*$`)
	smsPattern      = regexp.MustCompile(`(?is)^\s*(?:send\s+(?:an?\s+)?)?(?:text|sms)\s+(?:to\s+)?(\+?\d[\d\s\-().]{5,}\d)\s+(?:saying|that\s+says|:)\s*(.+?)\s*$`)
	telegramPattern = regexp.MustCompile(`(?is)^\s*(?:send\s+(?:a\s+)?)?telegram\s+(?:to\s+)?(-?\d+)\s+(?:saying|that\s+says|:)\s*(.+?)\s*$`)
	hasOperator     = regexp.MustCompile(`\d\s*[-+*/%^]\s*[\d(]`)
)

// NewClassifier builds the default tool set. now drives the time tool.
func NewClassifier(now func() time.Time) *Classifier {
	if now == nil {
		now = time.Now
	}
	return &Classifier{rules: []toolRule{
		{name: "time", re: timePattern, run: func(context.Context, []string) (ToolResult, error) {
			t := now()
			return ToolResult{Display: "It is " + t.Format("15:04 MST on Monday, January 2, 2006") + "."}, nil
		}},
		{name: "calc", re: calcPattern, run: runCalc},
		{name: "send_email", re: emailPattern, run: runEmail},
		{name: "send_sms", re: smsPattern, run: runSMS},
		{name: "send_telegram", re: telegramPattern, run: runTelegram},
	}}
}

// Classify returns the first tool whose pattern matches text.
func (c *Classifier) Classify(text string) (Invocation, bool) {
	for _, r := range c.rules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if r.name == "calc" && !hasOperator.MatchString(m[1]) {
			continue
		}
		return Invocation{Tool: r.name, args: m[1:], run: r.run}, true
	}
	return Invocation{}, false
}

func runCalc(_ context.Context, args []string) (ToolResult, error) {
	expr := strings.TrimSpace(args[0])
	v, err := Evaluate(expr)
	if err != nil {
		return ToolResult{Display: fmt.Sprintf("I couldn't calculate %q: %v.", expr, err)}, nil
	}
	return ToolResult{Display: fmt.Sprintf("%s = %s", expr, strconv.FormatFloat(v, 'g', 12, 64))}, nil
}

func runEmail(_ context.Context, args []string) (ToolResult, error) {
	to, body := args[0], args[1]
	subject := firstLine(body, 60)
	return ToolResult{
		Display:              fmt.Sprintf("Ready to email %s: %q. Confirm to send.", to, body),
		RequiresConfirmation: true,
		ToolName:             ToolSendEmail,
		Payload:              map[string]any{"to": to, "subject": subject, "body": body},
		Severity:             SeverityHigh,
	}, nil
}

func runSMS(_ context.Context, args []string) (ToolResult, error) {
	to := normalizePhone(args[0])
	body := args[1]
	return ToolResult{
		Display:              fmt.Sprintf("Ready to text %s: %q. Confirm to send.", to, body),
		RequiresConfirmation: true,
		ToolName:             ToolSendSMS,
		Payload:              map[string]any{"to": to, "body": body},
		Severity:             SeverityHigh,
	}, nil
}

func runTelegram(_ context.Context, args []string) (ToolResult, error) {
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return ToolResult{Display: "That doesn't look like a Telegram chat id."}, nil
	}
	return ToolResult{
		Display:              fmt.Sprintf("Ready to send a Telegram message to %d: %q. Confirm to send.", chatID, args[1]),
		RequiresConfirmation: true,
		ToolName:             ToolSendTelegram,
		Payload:              map[string]any{"chatId": chatID, "text": args[1]},
		Severity:             SeverityHigh,
	}, nil
}

func normalizePhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if (r >= '0' && r <= '9') || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func firstLine(s string, limit int) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-3]) + "..."
}

var errSyntax = errors.New("invalid expression")

// Evaluate computes an arithmetic expression with + - * / % ^ and
// parentheses. ^ is right associative.
func Evaluate(expr string) (float64, error) {
	p := &exprParser{src: expr}
	v, err := p.sum()
	if err != nil {
		return 0, err
	}
	if p.peek() != 0 {
		return 0, errSyntax
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errors.New("result is not a number")
	}
	return v, nil
}

type exprParser struct {
	src string
	pos int
}

// peek skips whitespace and returns the next byte, or 0 at the end.
func (p *exprParser) peek() byte {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
	if p.pos < len(p.src) {
		return p.src[p.pos]
	}
	return 0
}

func (p *exprParser) sum() (float64, error) {
	v, err := p.product()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			r, err := p.product()
			if err != nil {
				return 0, err
			}
			v += r
		case '-':
			p.pos++
			r, err := p.product()
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

func (p *exprParser) product() (float64, error) {
	v, err := p.power()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' && op != '%' {
			return v, nil
		}
		p.pos++
		r, err := p.power()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			v *= r
		case '/':
			if r == 0 {
				return 0, errors.New("division by zero")
			}
			v /= r
		case '%':
			if r == 0 {
				return 0, errors.New("division by zero")
			}
			v = math.Mod(v, r)
		}
	}
}

func (p *exprParser) power() (float64, error) {
	base, err := p.unary()
	if err != nil {
		return 0, err
	}
	if p.peek() != '^' {
		return base, nil
	}
	p.pos++
	exp, err := p.power()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *exprParser) unary() (float64, error) {
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.unary()
		return -v, err
	case '+':
		p.pos++
		return p.unary()
	}
	return p.atom()
}

func (p *exprParser) atom() (float64, error) {
	if p.peek() == '(' {
		p.pos++
		v, err := p.sum()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, errSyntax
		}
		p.pos++
		return v, nil
	}
	start := p.pos
	for p.pos < len(p.src) && ((p.src[p.pos] >= '0' && p.src[p.pos] <= '9') || p.src[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, errSyntax
	}
	return strconv.ParseFloat(p.src[start:p.pos], 64)
}
