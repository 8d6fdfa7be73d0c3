package model

// Plan 描述订阅套餐的积分额度。
type Plan struct {
	Name           string `json:"name"`
	SignupBonus    int    `json:"signupBonus"`
	MonthlyCredits int    `json:"monthlyCredits"`
}

// Plans 是内置套餐表。
var Plans = map[string]Plan{
	"free":    {Name: "free", SignupBonus: 3, MonthlyCredits: 5},
	"premium": {Name: "premium", MonthlyCredits: 50},
	"pro":     {Name: "pro", MonthlyCredits: 200},
}

// LookupPlan 根据名称查找套餐。
func LookupPlan(name string) (Plan, bool) {
	p, ok := Plans[name]
	return p, ok
}
