package repair

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"taskboard/board"
	"taskboard/domain"
)

type envelope struct {
	BoardID  string          `json:"board_id"`
	MemberID string          `json:"member_id"`
	Actor    string          `json:"actor"`
	Board    domain.Board    `json:"board"`
	Mutation mutationPayload `json:"mutation"`
	Error    string          `json:"error,omitempty"`
}

type mutationPayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func encodeFailure(f board.Failure) (string, error) {
	kind, data, err := board.EncodeMutation(f.Mutation)
	if err != nil {
		return "", err
	}
	env := envelope{
		BoardID:  f.BoardID,
		MemberID: f.MemberID,
		Actor:    f.Actor,
		Board:    f.Board,
		Mutation: mutationPayload{Kind: kind, Data: data},
	}
	if f.Err != nil {
		env.Error = f.Err.Error()
	}
	out, err := sonic.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeFailure(text string) (board.Failure, error) {
	var env envelope
	if err := sonic.Unmarshal([]byte(text), &env); err != nil {
		return board.Failure{}, err
	}
	if env.MemberID == "" || env.Board.ID == "" {
		return board.Failure{}, fmt.Errorf("envelope missing member or board")
	}
	m, err := board.DecodeMutation(env.Mutation.Kind, env.Mutation.Data)
	if err != nil {
		return board.Failure{}, err
	}
	f := board.Failure{
		BoardID:  env.BoardID,
		MemberID: env.MemberID,
		Actor:    env.Actor,
		Board:    env.Board,
		Mutation: m,
	}
	if env.Error != "" {
		f.Err = errors.New(env.Error)
	}
	return f, nil
}
