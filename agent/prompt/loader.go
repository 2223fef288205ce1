package prompt

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

var (
	//go:embed template/general.txt
	generalRaw string

	//go:embed template/user_context.txt
	userContextRaw string

	//go:embed template/router.txt
	routerRaw string
)

// PromptSet holds the parsed prompt templates.
type PromptSet struct {
	General     string
	userContext *template.Template
	router      *template.Template
}

// LoadPromptSet parses the embedded templates.
func LoadPromptSet() (PromptSet, error) {
	userContext, err := template.New("user_context").Parse(strings.TrimSpace(userContextRaw))
	if err != nil {
		return PromptSet{}, fmt.Errorf("parse user context prompt: %w", err)
	}
	router, err := template.New("router").Parse(strings.TrimSpace(routerRaw))
	if err != nil {
		return PromptSet{}, fmt.Errorf("parse router prompt: %w", err)
	}
	return PromptSet{
		General:     strings.TrimSpace(generalRaw),
		userContext: userContext,
		router:      router,
	}, nil
}

func MustLoadPromptSet() PromptSet {
	set, err := LoadPromptSet()
	if err != nil {
		panic(err)
	}
	return set
}

// UserContext renders the user section of the system prompt.
func (p PromptSet) UserContext(user contractx.User) (string, error) {
	var b strings.Builder
	if err := p.userContext.Execute(&b, user); err != nil {
		return "", fmt.Errorf("render user context prompt: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

// SystemPrompt joins the general rules, the user context and the action instructions.
func (p PromptSet) SystemPrompt(user contractx.User, instructions string) (string, error) {
	userContext, err := p.UserContext(user)
	if err != nil {
		return "", err
	}
	return p.General + "\n\n" + userContext + "\n\n" + instructions, nil
}

// RouterInstructions renders the intent router prompt with its action menu.
func (p PromptSet) RouterInstructions(actions []contractx.Action) (string, error) {
	var b strings.Builder
	data := struct {
		Actions  []contractx.Action
		Fallback string
	}{
		Actions:  actions,
		Fallback: contractx.GeneralChatVerb,
	}
	if err := p.router.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render router prompt: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}
