package sshadapter

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ChallengeBroker serializes keyboard-interactive prompts for one connect
// attempt: the SSH library calls into it synchronously and blocks until
// Respond is called with the matching answers. The daemon/client handler
// owns one ChallengeBroker per connect attempt and calls Respond when a
// CHALLENGE_RESPONSE frame arrives (§4.3: "resolves the oldest pending
// challenge callback").
type ChallengeBroker struct {
	mu      sync.Mutex
	pending []chan []string
	closed  bool
}

// NewChallengeBroker returns an empty broker.
func NewChallengeBroker() *ChallengeBroker {
	return &ChallengeBroker{}
}

// ask registers a new pending challenge and returns the channel the caller
// must block on for the answer.
func (b *ChallengeBroker) ask() chan []string {
	ch := make(chan []string, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.pending = append(b.pending, ch)
	b.mu.Unlock()
	return ch
}

// Respond resolves the oldest pending challenge with responses. A response
// with no pending challenge is silently dropped (late arrival).
func (b *ChallengeBroker) Respond(responses []string) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	ch := b.pending[0]
	b.pending = b.pending[1:]
	b.mu.Unlock()
	ch <- responses
}

// Close aborts every still-pending challenge (e.g. the connect attempt was
// superseded or the client disconnected).
func (b *ChallengeBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.pending {
		close(ch)
	}
	b.pending = nil
}

// buildAuthMethods assembles the ssh.AuthMethod list per §4.3: publickey
// (optionally passphrase-encrypted), password, and keyboard-interactive only
// when TryKeyboard is set.
func buildAuthMethods(params ConnectParams, observer Observer) ([]ssh.AuthMethod, error) {
	return buildAuthMethodsWithBroker(params, observer, nil)
}

// buildAuthMethodsWithBroker is the full form used by Establish; broker may
// be nil when keyboard-interactive is not requested.
func buildAuthMethodsWithBroker(params ConnectParams, observer Observer, broker *ChallengeBroker) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if len(params.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if params.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(params.PrivateKey, []byte(params.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(params.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if params.Password != "" {
		methods = append(methods, ssh.Password(params.Password))
	}

	if params.TryKeyboard && broker != nil {
		methods = append(methods, ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			if observer != nil {
				observer.Notify(Event{
					Kind: EventChallenge,
					Challenge: ChallengeInfo{
						Title:        name,
						Instructions: instruction,
						Language:     "",
						Prompts:      questions,
					},
				})
			}
			ch := broker.ask()
			resp, ok := <-ch
			if !ok {
				return nil, fmt.Errorf("challenge aborted")
			}
			return resp, nil
		}))
	}

	return methods, nil
}
