package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
)

var errAborted = errors.New("aborted")

// confirm asks a yes/no question, defaulting to no.
func confirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	result, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return false, errAborted
		}
		// promptui returns ErrAbort for "n" and for an empty answer
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		return false, fmt.Errorf("confirmation failed (use --yes when not on a terminal): %w", err)
	}
	answer := strings.ToLower(result)
	return answer == "y" || answer == "yes", nil
}
