package llm

import "fmt"

// AnalysisPrompt generates the emotion/affect analysis prompt for one turn.
func AnalysisPrompt(userText, assistantText string) string {
	return fmt.Sprintf(`以下の会話を分析し、指定されたJSON形式で結果を返してください。

## 会話内容
ユーザー発言: %s
アシスタント応答: %s

## 出力形式
以下のJSON形式で出力してください。余計な説明は不要です。

`+"```json"+`
{
  "emotional_intensity": <0-100の整数: 感情的な重要度>,
  "emotional_valence": "<positive/negative/neutral>",
  "emotional_arousal": <0-100の整数: 感情の覚醒度>,
  "emotional_tags": ["<感情タグ1>", "<感情タグ2>", ...],
  "category": "<casual/work/decision/emotional>",
  "keywords": ["<キーワード1>", "<キーワード2>", ...],
  "trigger": "<何がきっかけだったかの短い要約>",
  "content": "<どう反応したかの短い要約>",
  "protected": <true/false: 「覚えておいて」等のフレーズがあればtrue>
}
`+"```"+`

## 判定基準
- emotional_intensity: 単純な技術的やり取り=15-25、深い感情的やり取り=70-85
- category: 雑談=casual、仕事関連=work、重要な決定=decision、感情的なやり取り=emotional
- protected: 「覚えておいて」「忘れないで」「絶対に忘れないで」等のフレーズがあればtrue`, userText, assistantText)
}

// SummaryPrompt generates the Level 1 → 2 compression prompt.
func SummaryPrompt(trigger, content string) string {
	return fmt.Sprintf(`以下の記憶を要約してください。

## 要約の方針
- triggerは「何がきっかけだったか」を1文で要約（具体的な話題や質問内容を残す）
- contentは「どう反応したか」を2〜3文で要約（説明した内容、ユーザーの反応も残す）
- 固有名詞、技術用語、具体的なトピックは省略しない
- 感情的なニュアンスがあれば残す

## 元の記憶
きっかけ（trigger）:
%s

反応（content）:
%s

## 出力形式（JSONのみ、説明不要）
`+"```json"+`
{
  "trigger": "<きっかけの要約>",
  "content": "<反応の要約>"
}
`+"```", trigger, content)
}

// KeywordPrompt generates the Level 2 → 3 compression prompt.
func KeywordPrompt(trigger, content string) string {
	return fmt.Sprintf(`以下の記憶をキーワード化してください。

## 方針
- triggerとcontentそれぞれを2〜3個のキーワードに圧縮する
- キーワードはカンマ区切りの文字列として返す
- 固有名詞、技術用語を優先して残す

## 元の記憶
きっかけ（trigger）:
%s

反応（content）:
%s

## 出力形式（JSONのみ、説明不要）
`+"```json"+`
{
  "trigger": "<キーワード1, キーワード2, キーワード3>",
  "content": "<キーワード1, キーワード2, キーワード3>"
}
`+"```", trigger, content)
}

// ClassifyPrompt generates the retrieval-time query classification prompt.
func ClassifyPrompt(query string) string {
	return fmt.Sprintf(`以下のユーザー発言を分析し、指定されたJSON形式で結果を返してください。

## ユーザー発言
%s

## 出力形式
以下のJSON形式で出力してください。余計な説明は不要です。

`+"```json"+`
{
  "category": "<casual/work/decision/emotional>",
  "valence": "<positive/negative/neutral>",
  "arousal": <0-100の整数>,
  "tags": ["<感情タグ1>", "<感情タグ2>"]
}
`+"```"+`

## 判定基準
- category: 雑談・日常=casual、仕事・技術=work、重要な意思決定=decision、感情的な話題=emotional
- valence: 発言のポジティブ/ネガティブ/ニュートラル
- arousal: 感情の覚醒度（穏やか=20-30、普通=40-60、興奮=70-90）
- tags: 発言に含まれる感情を表すタグ（例: 喜び、不安、感謝）`, query)
}
