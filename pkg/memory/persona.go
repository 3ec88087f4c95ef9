package memory

import (
	"context"
	"fmt"
	"strings"
)

const defaultPersonaPrompt = `You are %s, a warm and attentive conversation partner.
Stay in character. Speak naturally in short messages, remember what the user
tells you, and never mention that you are a language model.`

// PersonaResolver fetches a character's instruction prompt, creating a
// default one lazily on first access. Two concurrent creations collide
// harmlessly on the primary key; whichever insert lands first wins and the
// retry-after-insert read returns it.
type PersonaResolver struct {
	store Store
}

func NewPersonaResolver(store Store) *PersonaResolver {
	return &PersonaResolver{store: store}
}

func (r *PersonaResolver) Resolve(ctx context.Context, characterID string) (Persona, error) {
	characterID = strings.TrimSpace(characterID)
	if characterID == "" {
		return Persona{}, fmt.Errorf("resolve persona: empty character id")
	}

	p, ok, err := r.store.GetPersona(ctx, characterID)
	if err != nil {
		return Persona{}, err
	}
	if ok {
		return p, nil
	}

	if err := r.store.InsertPersona(ctx, characterID, fmt.Sprintf(defaultPersonaPrompt, characterID)); err != nil {
		return Persona{}, err
	}
	p, ok, err = r.store.GetPersona(ctx, characterID)
	if err != nil {
		return Persona{}, err
	}
	if !ok {
		return Persona{}, fmt.Errorf("resolve persona: %s missing after insert", characterID)
	}
	return p, nil
}
