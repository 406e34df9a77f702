// Package validation содержит функции валидации входных данных.
package validation

import "github.com/google/uuid"

// IsValidID проверяет, что строка является каноническим идентификатором
// сущности: 36 символов, шестнадцатеричные группы 8-4-4-4-12 через дефисы,
// без учёта регистра. Сокращённая и urn-формы UUID отклоняются.
func IsValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
