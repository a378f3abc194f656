package tools

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
	"github.com/bdobrica/Hanashi/internal/hanashi/memory"
	"github.com/bdobrica/Hanashi/internal/hanashi/store"
)

const (
	defaultSkillWindow = 10
	keywordWeight      = 0.1
)

// Skill is one communication skill scored from the phrases a user uses.
type Skill struct {
	Name        string
	Description string
	Keywords    []string
}

// DefaultSkills are the skills scored by NewSkillEvaluator.
var DefaultSkills = []Skill{
	{
		Name:        "active_listening",
		Description: "Ability to actively listen and respond appropriately",
		Keywords:    []string{"i understand", "i hear you", "that makes sense"},
	},
	{
		Name:        "empathy",
		Description: "Ability to show understanding and share feelings",
		Keywords:    []string{"i understand how you feel", "that must be"},
	},
	{
		Name:        "clarity",
		Description: "Clear and concise communication",
		Keywords:    []string{"let me explain", "to clarify"},
	},
	{
		Name:        "engagement",
		Description: "Keeping the conversation engaging",
		Keywords:    []string{"what do you think", "how about you"},
	},
}

// HistoryReader reads a user's recent messages, buffered ones included.
type HistoryReader interface {
	History(ctx context.Context, userID string, kind memory.Kind, limit int) ([]memory.Message, error)
}

// SkillStore persists skill levels.
type SkillStore interface {
	SetSkillLevel(ctx context.Context, userID string, l store.SkillLevel) error
	SkillLevels(ctx context.Context, userID string) ([]store.SkillLevel, error)
}

// SkillEvaluator is the skill_evaluator tool. It scores the user's own recent
// messages against each skill's keywords and stores the resulting levels.
type SkillEvaluator struct {
	history HistoryReader
	store   SkillStore
	skills  []Skill
}

// NewSkillEvaluator returns the tool scoring DefaultSkills.
func NewSkillEvaluator(h HistoryReader, s SkillStore) *SkillEvaluator {
	return &SkillEvaluator{history: h, store: s, skills: DefaultSkills}
}

func (t *SkillEvaluator) Definition() llm.ToolDefinition {
	names := make([]any, 0, len(t.skills))
	for _, s := range t.skills {
		names = append(names, s.Name)
	}
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "skill_evaluator",
			Description: "Evaluate the current user's communication skills from their recent messages and suggest what to practice. Use when the user asks how they are doing or wants training.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string", "description": "Extra text from the user to include, e.g. the message being answered."},
					"skill":   map[string]any{"type": "string", "enum": names},
					"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": 50, "description": "How many recent user messages to score. Default 10."},
				},
				"additionalProperties": false,
			},
		},
	}
}

type skillSuggestion struct {
	Skill            string  `json:"skill"`
	CurrentLevel     int     `json:"current_level"`
	MaxLevel         int     `json:"max_level"`
	Score            float64 `json:"score"`
	Description      string  `json:"description"`
	Suggestion       string  `json:"suggestion"`
	NeedsImprovement bool    `json:"needs_improvement"`
	Feedback         string  `json:"feedback"`
	PreviousLevel    *int    `json:"previous_level,omitempty"`
}

func (t *SkillEvaluator) Execute(ctx context.Context, args map[string]any) (string, error) {
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		return "", err
	}
	limit := defaultSkillWindow
	if n, ok := args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}

	texts, err := t.userMessages(ctx, userID, limit)
	if err != nil {
		return "", err
	}
	if extra := strings.TrimSpace(stringArg(args, "message")); extra != "" {
		texts = append(texts, extra)
		if len(texts) > limit {
			texts = texts[len(texts)-limit:]
		}
	}
	if len(texts) == 0 {
		return Result(map[string]any{"status": "error", "message": "No messages from this user to evaluate yet"})
	}

	prev, err := t.store.SkillLevels(ctx, userID)
	if err != nil {
		return "", err
	}
	previous := make(map[string]int, len(prev))
	for _, l := range prev {
		previous[l.Skill] = l.Level
	}

	scores := scoreSkills(t.skills, texts)
	for _, s := range t.skills {
		lvl := store.SkillLevel{Skill: s.Name, Level: levelFor(scores[s.Name]), Score: scores[s.Name]}
		if err := t.store.SetSkillLevel(ctx, userID, lvl); err != nil {
			return "", err
		}
	}

	only := stringArg(args, "skill")
	suggestions := make([]skillSuggestion, 0, len(t.skills))
	for _, s := range t.skills {
		if only != "" && s.Name != only {
			continue
		}
		sg := suggest(s, scores[s.Name])
		if lvl, ok := previous[s.Name]; ok {
			sg.PreviousLevel = &lvl
		}
		suggestions = append(suggestions, sg)
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].CurrentLevel < suggestions[j].CurrentLevel
	})

	return Result(map[string]any{
		"status":             "success",
		"message":            "Skill evaluation completed",
		"evaluated_messages": len(texts),
		"current_skills":     suggestions,
	})
}

// userMessages returns the text of the user's last limit messages across
// both streams, oldest first.
func (t *SkillEvaluator) userMessages(ctx context.Context, userID string, limit int) ([]string, error) {
	var msgs []memory.Message
	for _, kind := range []memory.Kind{memory.KindAI, memory.KindChat} {
		hist, err := t.history.History(ctx, userID, kind, 0)
		if err != nil {
			return nil, fmt.Errorf("read %s history: %w", kind, err)
		}
		for _, m := range hist {
			if m.Role == memory.RoleUser && strings.TrimSpace(m.Content) != "" {
				msgs = append(msgs, m)
			}
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out, nil
}

// scoreSkills adds keywordWeight per keyword found in each message, capped
// at 1.
func scoreSkills(skills []Skill, texts []string) map[string]float64 {
	scores := make(map[string]float64, len(skills))
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, s := range skills {
			for _, kw := range s.Keywords {
				if strings.Contains(lower, kw) {
					scores[s.Name] = math.Min(1, scores[s.Name]+keywordWeight)
				}
			}
		}
	}
	for _, s := range skills {
		scores[s.Name] = math.Round(scores[s.Name]*100) / 100
	}
	return scores
}

func levelFor(score float64) int {
	return int(math.Round(score * store.MaxSkillLevel))
}

func suggest(s Skill, score float64) skillSuggestion {
	level := levelFor(score)
	out := skillSuggestion{
		Skill:            s.Name,
		CurrentLevel:     level,
		MaxLevel:         store.MaxSkillLevel,
		Score:            score,
		Description:      s.Description,
		Suggestion:       "Keep practicing to improve this skill",
		NeedsImprovement: level < 7,
	}
	if len(s.Keywords) > 0 {
		examples := s.Keywords[:min(2, len(s.Keywords))]
		out.Suggestion = fmt.Sprintf(`Try using phrases like: "%s"`, strings.Join(examples, `", "`))
	}
	switch {
	case level >= 8:
		out.Feedback = "Excellent! You've mastered this skill."
	case level >= 5:
		out.Feedback = "Good progress! Keep it up!"
	default:
		out.Feedback = "Let's work on improving this skill."
	}
	return out
}
