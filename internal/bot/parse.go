package bot

import (
	"fmt"
	"strconv"
	"strings"

	"nfce_reader/internal/model"
	"nfce_reader/internal/pricing"
)

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ID %q", s)
	}
	return id, nil
}

// ParseAddProductArgs parses "/addproduct <name>; <unit>[; <detail>]".
func ParseAddProductArgs(args string) (*model.CanonicalProduct, error) {
	parts := strings.Split(args, ";")
	if len(parts) < 2 {
		return nil, fmt.Errorf("usage: /addproduct <name>; <unit>[; <detail>]")
	}
	name := strings.TrimSpace(parts[0])
	unit := strings.TrimSpace(parts[1])
	if name == "" || unit == "" {
		return nil, fmt.Errorf("product name and unit cannot be empty")
	}
	detail := ""
	if len(parts) > 2 {
		detail = strings.TrimSpace(parts[2])
	}
	return &model.CanonicalProduct{BaseName: name, Unit: unit, UnitDetail: detail}, nil
}

// ParseAssignArgs parses "/assign <item_id> <product_id|none>".
func ParseAssignArgs(args string) (int64, *int64, error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return 0, nil, fmt.Errorf("usage: /assign <item_id> <product_id|none>")
	}
	itemID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid item ID %q", parts[0])
	}
	if parts[1] == "none" {
		return itemID, nil, nil
	}
	productID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid product ID %q", parts[1])
	}
	return itemID, &productID, nil
}

// ParseAddRuleArgs parses
// "/addrule <product_id> <exact|contains|regex> [-u u1,u2] [-p prio] <pattern...>".
func ParseAddRuleArgs(args string) (*model.MappingRule, error) {
	usage := fmt.Errorf("usage: /addrule <product_id> <exact|contains|regex> [-u unit1,unit2] [-p priority] <pattern>")
	parts := strings.Fields(args)
	if len(parts) < 3 {
		return nil, usage
	}

	productID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid product ID %q", parts[0])
	}

	matchType := model.MatchType(parts[1])
	switch matchType {
	case model.MatchExact, model.MatchContains, model.MatchRegex:
	default:
		return nil, fmt.Errorf("invalid match type %q, use: exact, contains, regex", parts[1])
	}

	rule := &model.MappingRule{
		TargetProductID: productID,
		MatchType:       matchType,
		Priority:        100,
		Active:          true,
	}

	rest := parts[2:]
flags:
	for len(rest) >= 2 {
		switch rest[0] {
		case "-u":
			for _, u := range strings.Split(rest[1], ",") {
				if u = strings.TrimSpace(u); u != "" {
					rule.UnitSynonyms = append(rule.UnitSynonyms, u)
				}
			}
			rest = rest[2:]
		case "-p":
			p, err := strconv.Atoi(rest[1])
			if err != nil {
				return nil, fmt.Errorf("invalid priority %q", rest[1])
			}
			rule.Priority = p
			rest = rest[2:]
		default:
			break flags
		}
	}
	if len(rest) == 0 {
		return nil, usage
	}
	rule.Pattern = strings.Join(rest, " ")
	return rule, nil
}

// ParsePricingArgs parses "<product_id> <unit> [months]" into a
// pricing query scoped to the chat's owner identity.
func ParsePricingArgs(args string, ownerID int64) (pricing.Query, int, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return pricing.Query{}, 0, fmt.Errorf("product ID and unit are required")
	}
	productID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return pricing.Query{}, 0, fmt.Errorf("invalid product ID %q", parts[0])
	}
	months := 0
	if len(parts) > 2 {
		months, err = strconv.Atoi(parts[2])
		if err != nil {
			return pricing.Query{}, 0, fmt.Errorf("invalid month count %q", parts[2])
		}
	}
	return pricing.Query{
		OwnerID:   ownerID,
		ProductID: productID,
		Unit:      parts[1],
		Agg:       pricing.AggAvg,
	}, months, nil
}
