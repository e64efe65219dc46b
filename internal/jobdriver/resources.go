package jobdriver

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/k8s"
)

var quantityParts = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([a-zA-Z]*)$`)

// Следующая меньшая единица и множитель перехода к ней.
var smallerUnit = map[string]struct {
	unit   string
	factor float64
}{
	"":   {"m", 1000},
	"k":  {"", 1000},
	"M":  {"k", 1000},
	"G":  {"M", 1000},
	"T":  {"G", 1000},
	"Ki": {"", 1024},
	"Mi": {"Ki", 1024},
	"Gi": {"Mi", 1024},
	"Ti": {"Gi", 1024},
}

// ScaleQuantity умножает ресурс на factor: ScaleQuantity("2Gi", 1.5) = "3Gi".
// Дробный результат переводится в меньшую единицу и округляется вверх.
func ScaleQuantity(q string, factor float64) (string, error) {
	m := quantityParts.FindStringSubmatch(q)
	if m == nil {
		return "", fmt.Errorf("invalid quantity %q", q)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return "", fmt.Errorf("invalid quantity %q: %w", q, err)
	}
	unit := m[2]

	scaled := value * factor
	if scaled != math.Trunc(scaled) {
		if next, ok := smallerUnit[unit]; ok {
			scaled *= next.factor
			unit = next.unit
		}
	}
	return strconv.FormatInt(int64(math.Ceil(scaled-1e-9)), 10) + unit, nil
}

// buildResources собирает requests/limits контейнера.
//
// Лимит памяти = request * (1 + multiplier); CPU лимит только при cpuLimits.
// Ephemeral storage: лимит равен request.
func buildResources(t domain.JobTemplate, multiplier float64, cpuLimits bool) (k8s.ResourceRequirements, error) {
	res := k8s.ResourceRequirements{}
	requests := map[string]string{}
	limits := map[string]string{}
	factor := 1 + multiplier

	if t.CPU != "" {
		requests["cpu"] = t.CPU
		if cpuLimits {
			limit, err := ScaleQuantity(t.CPU, factor)
			if err != nil {
				return res, err
			}
			limits["cpu"] = limit
		}
	}
	if t.Memory != "" {
		requests["memory"] = t.Memory
		limit, err := ScaleQuantity(t.Memory, factor)
		if err != nil {
			return res, err
		}
		limits["memory"] = limit
	}
	if t.EphemeralStorage != "" {
		requests["ephemeral-storage"] = t.EphemeralStorage
		limits["ephemeral-storage"] = t.EphemeralStorage
	}

	if len(requests) > 0 {
		res.Requests = requests
	}
	if len(limits) > 0 {
		res.Limits = limits
	}
	return res, nil
}
