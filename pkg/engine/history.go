package engine

import (
	"sort"
	"strings"
)

// HistoryProfile is the deterministic persona/era/anchor-event context
// built from a wish, ported from the lookup-table-plus-default-theme
// approach of the original history-context builder.
type HistoryProfile struct {
	Name                    string   `json:"name"`
	Era                     string   `json:"era"`
	Personas                []string `json:"personas"`
	Anchors                 []string `json:"anchors"`
	PrimaryConflicts        []string `json:"primary_conflicts"`
	RecommendedChapterCount int      `json:"recommended_chapter_count"`
}

// historicalFigures is the lookup table keyed by a substring match against
// the wish text.
var historicalFigures = map[string]HistoryProfile{
	"李世民": {
		Name: "李世民",
		Era:  "唐朝",
		Personas: []string{
			"大唐第二位皇帝，政治与军事统筹的枭雄",
			"玄武门之变的策划者，善于审时度势",
		},
		Anchors: []string{
			"少年击败突厥的战功",
			"玄武门之变",
			"贞观之治的制度改革",
			"对魏征等贤臣的纳谏",
		},
		PrimaryConflicts: []string{
			"如何解决兄弟间的皇位之争",
			"平衡开国功臣与新贵之间的权力",
			"边疆危机与突厥威胁",
		},
		RecommendedChapterCount: 12,
	},
	"项羽": {
		Name: "项羽",
		Era:  "楚汉之争",
		Personas: []string{
			"西楚霸王，力拔山兮气盖世",
			"悍勇无双却多疑的统帅",
		},
		Anchors: []string{
			"巨鹿之战",
			"鸿门宴",
			"西楚建国与制度",
			"垓下之围",
		},
		PrimaryConflicts: []string{
			"如何稳固西楚政权",
			"与刘邦之间的权谋博弈",
			"军心士气和战略抉择",
		},
		RecommendedChapterCount: 10,
	},
	"刘邦": {
		Name: "刘邦",
		Era:  "楚汉之争",
		Personas: []string{
			"汉高祖，善用人、善忍辱的草根帝王",
			"外圆内方的政治老狐狸",
		},
		Anchors: []string{
			"反秦起义",
			"鸿门宴",
			"韩信拜将",
			"楚汉决战",
		},
		PrimaryConflicts: []string{
			"如何整合各路义军",
			"收服天下豪杰",
			"与项羽的战略对抗",
		},
		RecommendedChapterCount: 11,
	},
}

// genericHistoryTheme is the default themed profile used when no lookup
// entry matches the wish text.
var genericHistoryTheme = HistoryProfile{
	Era:                     "历史长河",
	Personas:                []string{"历史长河中的关键角色"},
	Anchors:                 []string{"寻找该人物或时代的经典事件"},
	PrimaryConflicts:        []string{"如何改变已知的历史节点"},
	RecommendedChapterCount: 9,
}

// BuildHistoryProfile deterministically derives a HistoryProfile from wish:
// first substring-matching against the historical-figure lookup table,
// falling back to a themed default profile carrying the wish itself as
// its name.
func BuildHistoryProfile(wish string) HistoryProfile {
	wish = strings.TrimSpace(wish)
	keys := make([]string, 0, len(historicalFigures))
	for key := range historicalFigures {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if strings.Contains(wish, key) {
			return historicalFigures[key]
		}
	}

	profile := genericHistoryTheme
	profile.Name = wish
	if profile.Name == "" {
		profile.Name = "未知的历史人物"
	}
	return profile
}

// ContextBlock renders the profile into the narrative-context text block
// threaded into every node prompt.
func (p HistoryProfile) ContextBlock() string {
	var b strings.Builder
	b.WriteString("角色定位：" + p.Name + "\n")
	b.WriteString("所属时代：" + p.Era + "\n")
	b.WriteString("人物特质：" + strings.Join(p.Personas, "；") + "\n")
	b.WriteString("关键历史锚点：" + strings.Join(p.Anchors, "；") + "\n")
	b.WriteString("主要矛盾：" + strings.Join(p.PrimaryConflicts, "；"))
	return b.String()
}

// AsMap renders the profile as a plain map for embedding into node
// metadata's history_profile field.
func (p HistoryProfile) AsMap() map[string]any {
	return map[string]any{
		"name":                      p.Name,
		"era":                       p.Era,
		"personas":                  p.Personas,
		"anchors":                   p.Anchors,
		"primary_conflicts":         p.PrimaryConflicts,
		"recommended_chapter_count": p.RecommendedChapterCount,
	}
}
