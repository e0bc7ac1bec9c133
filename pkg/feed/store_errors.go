package feed

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// classifyStoreErr maps database errors onto the pipeline error kinds.
// Schema and model shape problems are structural (retrying cannot fix
// them); duplicate-key rejections are write conflicts; everything else
// coming out of the driver is treated as transient I/O.
func classifyStoreErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case errors.Is(err, gorm.ErrInvalidData),
		errors.Is(err, gorm.ErrInvalidField),
		errors.Is(err, gorm.ErrInvalidValue),
		errors.Is(err, gorm.ErrModelValueRequired),
		errors.Is(err, gorm.ErrPrimaryKeyRequired):
		return fmt.Errorf("%s: %v: %w", op, err, ErrStructuralFormat)
	default:
		return fmt.Errorf("%s: %v: %w", op, err, ErrTransient)
	}
}
