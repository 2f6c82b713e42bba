package combo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/port"
)

type Role string

const (
	RoleItem  Role = "item"
	RoleBase  Role = "base"
	RoleAddon Role = "addon"
)

// Resolved is one concrete stock component of a sale-line name.
type Resolved struct {
	ItemID string
	Name   string
	Token  string
	Role   Role
	Units  decimal.Decimal
}

// UnresolvedError names the token no strategy could resolve.
type UnresolvedError struct {
	Input string
	Token string
}

func (e *UnresolvedError) Error() string {
	if e.Input == e.Token {
		return fmt.Sprintf("cannot resolve %q", e.Token)
	}
	return fmt.Sprintf("cannot resolve %q in %q", e.Token, e.Input)
}

func (e *UnresolvedError) Unwrap() error { return domain.ErrItemNotFound }

// Resolve expands name into its components. Either every token resolves
// or an error is returned and no components are.
func Resolve(catalog port.Catalog, storeID, name string) ([]Resolved, error) {
	composite, err := Parse(name)
	if err != nil {
		return nil, err
	}
	var out []Resolved
	for _, c := range composite.Components {
		if err := resolveComponent(catalog, storeID, c, RoleItem, &out); err != nil {
			var ue *UnresolvedError
			if errors.As(err, &ue) {
				ue.Input = composite.Input
			}
			return nil, err
		}
	}
	return out, nil
}

func resolveComponent(catalog port.Catalog, storeID string, c *Component, role Role, out *[]Resolved) error {
	if it, ok := catalog.ByExactName(storeID, c.Text); ok {
		*out = append(*out, resolved(it, c.Text, role))
		return nil
	}
	if it, ok := catalog.ByPartialName(storeID, c.Text); ok && partialCovers(c, it) {
		*out = append(*out, resolved(it, c.Text, role))
		return nil
	}
	if !c.MixAndMatch() {
		return &UnresolvedError{Input: c.Text, Token: c.Text}
	}

	var expanded []Resolved
	if err := resolveComponent(catalog, storeID, c.Base, RoleBase, &expanded); err != nil {
		return err
	}
	for _, addon := range c.Addons {
		if err := resolveComponent(catalog, storeID, addon, RoleAddon, &expanded); err != nil {
			return err
		}
	}
	*out = append(*out, expanded...)
	return nil
}

// partialCovers keeps a partial hit from swallowing a mix-and-match
// clause: "Mini Croffle with Chocolate" must not resolve to "Mini Croffle".
func partialCovers(c *Component, it domain.CatalogItem) bool {
	if !c.MixAndMatch() {
		return true
	}
	return strings.Contains(Normalize(it.Name), Normalize(c.Text))
}

func resolved(it domain.CatalogItem, token string, role Role) Resolved {
	return Resolved{ItemID: it.ItemID, Name: it.Name, Token: token, Role: role, Units: it.Units()}
}

// Expand flattens sale lines into deduction lines in order, keeping
// duplicates as separate lines.
func Expand(catalog port.Catalog, storeID string, lines []domain.SaleLine) ([]domain.DeductionLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: sale has no lines", domain.ErrValidation)
	}
	var out []domain.DeductionLine
	for i, line := range lines {
		if !line.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: sale line %d quantity must be positive", domain.ErrValidation, i)
		}
		components, err := Resolve(catalog, storeID, line.DisplayName)
		if err != nil {
			return nil, fmt.Errorf("sale line %d: %w", i, err)
		}
		for _, c := range components {
			out = append(out, domain.DeductionLine{ItemID: c.ItemID, Quantity: c.Units.Mul(line.Quantity)})
		}
	}
	return out, nil
}
