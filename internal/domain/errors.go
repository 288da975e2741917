package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyMember       = errors.New("already a member")
	ErrAlreadyResolved     = errors.New("market already resolved")
	ErrNotCreator          = errors.New("only the market creator may resolve")
	ErrChainUnavailable    = errors.New("chain collaborator unavailable")
)
