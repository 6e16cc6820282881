package gateway

import (
	"fmt"
	"strings"
)

const (
	targetSpeaker      = "Speaker"
	placeholderSpeaker = "Interactant"

	defaultPersona = "スタイル: 人狼ゲームにおけるドラマチックな会話。プレイヤーを没入させる演技。"
)

func speechPrompt(text, style string) string {
	if style == "" {
		return fmt.Sprintf("%s: %s", targetSpeaker, text)
	}
	return fmt.Sprintf("%s\n\n%s: %s", style, targetSpeaker, text)
}

func rewritePrompt(text, style string) string {
	persona := defaultPersona
	if style != "" {
		persona = "役職/シチュエーション: " + style
	}
	var b strings.Builder
	b.WriteString("この人狼ゲーム（パーティーゲーム）のセリフや状況説明を、指定された【役職】や【シチュエーション】に合わせて、より魅力的で「それっぽい」セリフに書き直してください。\n\n")
	b.WriteString(persona)
	b.WriteString("\n\nガイドライン:\n")
	b.WriteString("1. **ロールプレイ**: 指定された役職（人狼、占い師、村人など）になりきり、その心理状態（焦り、欺瞞、自信など）を反映させる。\n")
	b.WriteString("2. **臨場感**: ゲームの議論中や夜の行動時のような、緊迫感や雰囲気を出す。\n")
	b.WriteString("3. **自然な口語**: 台本読みではなく、その場で発せられた言葉のように。\n")
	b.WriteString("4. **長さの維持**: 元のテキストの意図を大きく変えずに、表現を豊かにする。\n")
	b.WriteString("5. **フォーマット**: 書き直したテキストのみを引用符なしで返すこと。\n\n")
	fmt.Fprintf(&b, "入力テキスト:\n%q\n", text)
	return b.String()
}

func scriptPrompt(scene string, roles []string, mode ScriptMode) string {
	var b strings.Builder
	switch mode {
	case ScriptDay:
		b.WriteString("You are a scriptwriter for a \"Werewolf\" (Jinro) game daytime discussion.\n")
		b.WriteString("Create a fast-paced, accusatory dialogue script (5 to 8 turns) where players are debating who the werewolf is.\n\n")
		fmt.Fprintf(&b, "Context/Topic:\n%q\n\n", scene)
		fmt.Fprintf(&b, "Available Roles (Use ONLY these IDs):\n%s\n\n", strings.Join(roles, ", "))
		b.WriteString("Requirements:\n")
		b.WriteString("- Tone: Urgent, suspicious, defensive, aggressive. Players are fighting for their lives.\n")
		b.WriteString("- Content: Accusations (\"You are quiet today\", \"Your logic is flawed\"), Defenses (\"I am a villager!\"), and Confusion.\n")
		b.WriteString("- Length: Sentences should be relatively short and punchy to simulate a heated debate.\n")
		b.WriteString("- Return a JSON object with a \"turns\" property (array of {roleId, text}).\n")
		b.WriteString("- Use Japanese.\n")
	default:
		b.WriteString("You are a scriptwriter for a \"Werewolf\" (Jinro) game audio drama.\n")
		b.WriteString("Create a short, intense dialogue script (4 to 6 turns) based on the user's scene description.\n\n")
		fmt.Fprintf(&b, "Scene Description:\n%q\n\n", scene)
		fmt.Fprintf(&b, "Available Roles (Use ONLY these IDs):\n%s\n\n", strings.Join(roles, ", "))
		b.WriteString("Requirements:\n")
		b.WriteString("- Return a JSON object with a \"turns\" property, which is an array of objects.\n")
		b.WriteString("- Each object must have \"roleId\" (one of the available roles) and \"text\" (the dialogue).\n")
		b.WriteString("- The dialogue should be dramatic, immersive, and fit the Werewolf game atmosphere.\n")
		b.WriteString("- Use Japanese for the dialogue text.\n")
	}
	return b.String()
}

// scriptSchema is the JSON schema of a script response, shared by backends
// that accept a schema document.
const scriptSchema = `{
  "type": "object",
  "properties": {
    "turns": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "roleId": {"type": "string"},
          "text": {"type": "string"}
        },
        "required": ["roleId", "text"]
      }
    }
  },
  "required": ["turns"]
}`
