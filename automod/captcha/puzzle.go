package captcha

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/google/uuid"
)

// A human check presented to a new member. Options, when present, are the choices a platform binding should render as buttons.
type Puzzle struct {
	Prompt  string
	Answer  string
	Options []string
}

type PuzzleFunc func() Puzzle

// Single "I'm not a bot" button. The answer is an unguessable token, so only a client which saw the prompt can respond.
func ButtonPuzzle() Puzzle {
	token := "verify_" + uuid.NewString()[:8]
	return Puzzle{
		Prompt:  "Welcome! Press the button below within the time limit to confirm you are not a bot.",
		Answer:  token,
		Options: []string{token},
	}
}

// Small addition question with four shuffled choices.
func ArithmeticPuzzle() Puzzle {
	a := rand.IntN(9) + 1
	b := rand.IntN(9) + 1
	sum := a + b

	choices := map[int]bool{sum: true}
	for len(choices) < 4 {
		c := sum + rand.IntN(9) - 4
		if c > 0 {
			choices[c] = true
		}
	}
	opts := make([]string, 0, len(choices))
	for c := range choices {
		opts = append(opts, strconv.Itoa(c))
	}
	rand.Shuffle(len(opts), func(i, j int) { opts[i], opts[j] = opts[j], opts[i] })

	return Puzzle{
		Prompt:  fmt.Sprintf("Welcome! To confirm you are not a bot, what is %d + %d?", a, b),
		Answer:  strconv.Itoa(sum),
		Options: opts,
	}
}
