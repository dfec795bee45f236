// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/fluxapay/settlement-engine/internal/model"
)

// ErrInvalidBankAccount возвращается для реквизитов, по которым выплата невозможна.
var ErrInvalidBankAccount = errors.New("invalid bank account")

// IsValidAccountNumber проверяет, что номер счёта состоит только из цифр
// разумной длины.
func IsValidAccountNumber(number string) bool {
	if len(number) < 6 || len(number) > 20 {
		return false
	}
	for _, ch := range number {
		if !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

// ValidateBankAccount проверяет полноту банковских реквизитов мерчанта
// перед обращением к партнёру.
func ValidateBankAccount(a model.BankAccount) error {
	if a.AccountName == "" {
		return fmt.Errorf("%w: account name is required", ErrInvalidBankAccount)
	}
	if !IsValidAccountNumber(a.AccountNumber) {
		return fmt.Errorf("%w: account number must be 6-20 digits", ErrInvalidBankAccount)
	}
	if a.BankName == "" {
		return fmt.Errorf("%w: bank name is required", ErrInvalidBankAccount)
	}
	if a.Country == "" {
		return fmt.Errorf("%w: bank country is required", ErrInvalidBankAccount)
	}
	return nil
}
