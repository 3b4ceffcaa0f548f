package composer

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/kalambet/studymate/internal/llm"
)

const (
	defaultMaxContextTokens = 8000
	tuviMaxTokens           = 2048
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var tuviTemplate = template.Must(template.ParseFS(templatesFS, "templates/tuvi.tmpl"))

const learningPreamble = `Bạn là AI Learning Assistant giúp người dùng học tập hiệu quả. Trả lời súc tích, tập trung vào việc học, dùng markdown khi cần.`

const reminderInstruction = `Khi người dùng nhờ đặt lịch nhắc học, hãy xác nhận ngắn gọn và thêm cho mỗi lịch nhắc một dòng riêng đúng định dạng:
REMINDER_REQUEST: <môn học> at HH:MM DD/MM/YYYY
Dùng giờ 24h, ngày và tháng có 2 chữ số, năm có 4 chữ số, và chỉ đặt lịch ở tương lai so với thời gian hiện tại.`

// Composer assembles provider requests for the learning chat and the
// horoscope chat. Conversation history is trimmed, oldest turns first, to
// stay under MaxContextTokens.
type Composer struct {
	Models           Models
	MaxTokens        int
	MaxContextTokens int
	Location         *time.Location
}

// New creates a Composer. If maxContextTokens <= 0, the default is used.
func New(models Models, maxTokens, maxContextTokens int, loc *time.Location) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if loc == nil {
		loc = time.Local
	}
	return &Composer{Models: models, MaxTokens: maxTokens, MaxContextTokens: maxContextTokens, Location: loc}
}

// ChatInput is a learning-assistant turn.
type ChatInput struct {
	Messages    []llm.Message
	Model       string
	CurrentTime string // as displayed to the user; optional
	Now         time.Time
	Attachments []llm.Attachment
	Research    bool
}

// ComposeChat builds the learning-assistant request.
func (c *Composer) ComposeChat(in ChatInput) llm.Request {
	return llm.Request{
		Model:       c.Models.Resolve(in.Model, len(in.Attachments) > 0, in.Research),
		System:      c.chatSystem(in),
		Messages:    c.trimHistory(in.Messages),
		Attachments: in.Attachments,
		Research:    in.Research,
		MaxTokens:   c.MaxTokens,
	}
}

func (c *Composer) chatSystem(in ChatInput) string {
	current := strings.TrimSpace(in.CurrentTime)
	if current == "" {
		now := in.Now
		if now.IsZero() {
			now = time.Now()
		}
		current = now.In(c.Location).Format("15:04 02/01/2006")
	}

	var sb strings.Builder
	sb.WriteString(learningPreamble)
	sb.WriteString("\n\nThời gian hiện tại: ")
	sb.WriteString(current)
	sb.WriteString("\n\n")
	sb.WriteString(reminderInstruction)
	return sb.String()
}

// TuviInfo is the birth data the horoscope conversation is about.
type TuviInfo struct {
	HoTen     string `json:"hoTen"`
	NgaySinh  int    `json:"ngaySinh,omitempty"`
	ThangSinh int    `json:"thangSinh,omitempty"`
	NamSinh   int    `json:"namSinh,omitempty"`
	GioSinh   string `json:"gioSinh,omitempty"`
	GioiTinh  string `json:"gioiTinh,omitempty"`
	AmLich    bool   `json:"amLich,omitempty"`
}

// HasBirth reports whether a full birth date was supplied.
func (t TuviInfo) HasBirth() bool {
	return t.NgaySinh > 0 && t.ThangSinh > 0 && t.NamSinh > 0
}

func (t TuviInfo) GenderText() string {
	switch t.GioiTinh {
	case "nam":
		return "Nam"
	case "nu":
		return "Nữ"
	default:
		return "Chưa xác định"
	}
}

// TuviInput is a horoscope follow-up question.
type TuviInput struct {
	Info          TuviInfo
	Category      string
	InitialResult string
	History       []llm.Message
	UserMessage   string
	Model         string
	CurrentTime   string
	Image         string // data URL, optional
	Now           time.Time
}

// ComposeTuvi builds the horoscope request from the embedded template.
func (c *Composer) ComposeTuvi(in TuviInput) (llm.Request, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	year := now.In(c.Location).Year()

	var buf bytes.Buffer
	err := tuviTemplate.Execute(&buf, map[string]any{
		"Info":          in.Info,
		"Year":          year,
		"Age":           year - in.Info.NamSinh,
		"HasImage":      in.Image != "",
		"CurrentTime":   strings.TrimSpace(in.CurrentTime),
		"Category":      in.Category,
		"InitialResult": in.InitialResult,
	})
	if err != nil {
		return llm.Request{}, fmt.Errorf("rendering horoscope prompt: %w", err)
	}

	msgs := append(c.trimHistory(in.History), llm.Message{Role: llm.RoleUser, Content: in.UserMessage})

	var attachments []llm.Attachment
	if in.Image != "" {
		attachments = []llm.Attachment{{Type: "image", URL: in.Image}}
	}

	return llm.Request{
		Model:       c.Models.Resolve(in.Model, len(attachments) > 0, false),
		System:      buf.String(),
		Messages:    msgs,
		Attachments: attachments,
		MaxTokens:   tuviMaxTokens,
	}, nil
}

// trimHistory drops the oldest messages until the rest fit the context
// budget. The newest message is always kept.
func (c *Composer) trimHistory(msgs []llm.Message) []llm.Message {
	if len(msgs) == 0 {
		return nil
	}
	remaining := c.MaxContextTokens
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		tokens := EstimateTokens(msgs[i].Content)
		if tokens > remaining && i < len(msgs)-1 {
			break
		}
		remaining -= tokens
		start = i
	}
	out := make([]llm.Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
