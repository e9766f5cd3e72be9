// cmd/demo/main.go
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/Corphon/TaleWeaverMCP/internal/models"
	"github.com/Corphon/TaleWeaverMCP/internal/services"
)

func main() {
	fmt.Println("🚀 TaleWeaverMCP Console Demo")
	fmt.Println("=================================")
	fmt.Println("离线剧情演示：所有文本都是预创作内容，不调用任何生成接口")
	fmt.Println()

	conversation, err := services.NewGraphConversation("demo", sampleGraph(), services.TurnHooks{})
	if err != nil {
		log.Fatalf("❌ 创建会话失败: %v", err)
	}

	if err := conversation.Activate(); err != nil {
		log.Fatalf("❌ 激活会话失败: %v", err)
	}

	printLatestAssistantText(conversation)

	reader := bufio.NewReader(os.Stdin)
	for {
		options, err := conversation.EligibleOptions()
		if err != nil {
			log.Fatalf("❌ 获取选项失败: %v", err)
		}
		if len(options) == 0 {
			fmt.Println("\n🏁 剧情结束")
			printScenarioState(conversation)
			return
		}

		fmt.Println()
		for i, option := range options {
			fmt.Printf("  [%d] %s\n", i+1, option.Text)
		}
		fmt.Print("\n> 选择（q退出，s查看状态）: ")

		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		input := strings.TrimSpace(line)

		switch input {
		case "q", "quit":
			fmt.Println("👋 再见")
			return
		case "s", "state":
			printScenarioState(conversation)
			continue
		}

		index, err := strconv.Atoi(input)
		if err != nil || index < 1 || index > len(options) {
			fmt.Println("⚠️ 无效选择，请输入选项编号")
			continue
		}

		result, err := conversation.SubmitUserInput(services.UserInput{
			OptionID: options[index-1].ID,
		})
		if err != nil {
			fmt.Printf("⚠️ 选择失败: %v\n", err)
			continue
		}

		fmt.Println()
		fmt.Println("🎭 " + result.Node.DisplayText)
		for _, effect := range result.AppliedEffects {
			fmt.Printf("   ✨ %s %s %+d\n", effect.Type, effect.Target, effect.Value)
		}

		if result.Terminal {
			fmt.Println("\n🏁 剧情结束")
			printScenarioState(conversation)
			return
		}
	}
}

func printLatestAssistantText(conversation *services.ConversationService) {
	messages := conversation.GetLog()
	if len(messages) > 0 {
		fmt.Println("🎭 " + messages[len(messages)-1].Text)
	}
}

func printScenarioState(conversation *services.ConversationService) {
	state, err := conversation.GetScenarioState()
	if err != nil {
		return
	}

	fmt.Println("\n📊 当前剧本状态")
	fmt.Printf("   节点: %s\n", state.CurrentNodeID)
	for character, value := range state.Favorability {
		fmt.Printf("   好感度 %s: %d\n", character, value)
	}
	for item := range state.OwnedItems {
		fmt.Printf("   物品: %s\n", item)
	}
	for event := range state.UnlockedEvents {
		fmt.Printf("   事件: %s\n", event)
	}
}

// sampleGraph 内置的演示剧情：茶馆偶遇
func sampleGraph() *models.StoryGraph {
	return &models.StoryGraph{
		ID:          "teahouse",
		Title:       "茶馆偶遇",
		StartNodeID: "entrance",
		Nodes: []models.StoryNode{
			{
				ID:          "entrance",
				Title:       "茶馆门口",
				DisplayText: "午后的茶馆飘着龙井的清香。柜台后的掌柜林姑娘抬起头，朝你微微一笑。",
				Options: []models.NodeOption{
					{
						ID:           "greet",
						Text:         "上前打招呼",
						TargetNodeID: "counter",
						Effects: []models.OptionEffect{
							{Type: models.EffectFavorability, Target: "lin", Value: 10},
						},
					},
					{
						ID:           "corner",
						Text:         "默默找个角落坐下",
						TargetNodeID: "corner_seat",
					},
				},
			},
			{
				ID:          "counter",
				Title:       "柜台前",
				DisplayText: "「客官想喝点什么？」林姑娘一边擦着茶杯一边问。她的袖口绣着一朵小小的玉兰。",
				RandomEffects: []models.RandomEffect{
					{
						Probability: 0.3,
						Effect:      models.OptionEffect{Type: models.EffectItem, Target: "jasmine_tea", Value: 1},
					},
				},
				Options: []models.NodeOption{
					{
						ID:           "order_tea",
						Text:         "点一壶龙井，顺便夸夸她的手艺",
						TargetNodeID: "chat",
						Effects: []models.OptionEffect{
							{Type: models.EffectFavorability, Target: "lin", Value: 15},
							{Type: models.EffectEvent, Target: "ordered_tea", Value: 1},
						},
					},
					{
						ID:           "ask_flower",
						Text:         "问起她袖口的玉兰绣样",
						TargetNodeID: "flower_story",
						Conditions: []models.OptionCondition{
							{Type: models.ConditionFavorability, Target: "lin", Operator: "gte", Threshold: 10},
						},
						Effects: []models.OptionEffect{
							{Type: models.EffectFavorability, Target: "lin", Value: 20},
						},
					},
				},
			},
			{
				ID:          "corner_seat",
				Title:       "角落",
				DisplayText: "你在角落坐下。茶馆里人声嘈杂，没有人注意到你。过了许久，林姑娘端来一杯免费的大麦茶。",
				Options: []models.NodeOption{
					{
						ID:           "thank",
						Text:         "道谢并攀谈",
						TargetNodeID: "chat",
						Effects: []models.OptionEffect{
							{Type: models.EffectFavorability, Target: "lin", Value: 5},
						},
					},
				},
			},
			{
				ID:          "chat",
				Title:       "闲聊",
				DisplayText: "你们聊起了茶馆的往事。林姑娘说，这家店是她祖母传下来的，玉兰是祖母最爱的花。",
				Options: []models.NodeOption{
					{
						ID:           "farewell",
						Text:         "天色不早，起身告辞",
						TargetNodeID: "ending",
					},
				},
			},
			{
				ID:          "flower_story",
				Title:       "玉兰的故事",
				DisplayText: "林姑娘眼睛一亮：「客官好眼力。」她讲起祖母在院子里种玉兰的往事，神情温柔。",
				Options: []models.NodeOption{
					{
						ID:           "listen_end",
						Text:         "听完故事，心满意足地告辞",
						TargetNodeID: "ending",
						Effects: []models.OptionEffect{
							{Type: models.EffectEvent, Target: "heard_flower_story", Value: 1},
						},
					},
				},
			},
			{
				ID:          "ending",
				Title:       "结尾",
				DisplayText: "你走出茶馆，身后传来林姑娘的声音：「客官慢走，下次再来。」",
			},
		},
	}
}
