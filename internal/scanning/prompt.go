package scanning

import (
	"fmt"
	"strings"
)

// batchScanPrompt is the shared instruction sent with every batch, ahead of the images
const batchScanPrompt = `提供されたそれぞれの画像からレシート情報を抽出してください。
店名や内容に基づき、最も適切な勘定科目と摘要も提案してください。
JSONスキーマに従い、入力画像の順番通りに結果を配列で返してください。配列の要素数は入力画像の数と同じにしてください。
各画像について、見つかった全てのレシートの情報を抽出してください。
もし画像にレシートが含まれていない場合は、その画像に対応するreceipts配列は空にしてください。`

const (
	descStoreName     = "店名"
	descDate          = "レシートの日付 (YYYY-MM-DD形式)。和暦の場合は西暦に変換する。"
	descTotalAmount   = "合計金額"
	descTaxAmount     = "消費税額。見つからない場合は 0 とする。"
	descTaxRate       = "消費税率。8%なら8、10%なら10と数値で返す。見つからない場合は0とする。"
	descInvoiceNumber = "インボイス登録番号 (Tで始まる13桁の英数字)。見つからない場合は空文字とする。"
	descDescription   = "取引内容の摘要。店名や購入品目から簡潔に作成してください。"
	descResults       = "入力されたすべての画像に対するレシート情報の配列。入力画像の順番通りに結果を返すこと。"
	descImageResult   = "単一の入力画像から抽出された情報。"
	descReceipts      = "この画像から見つかったレシートの配列。レシートが見つからない場合は空配列を返す。"
)

// requiredReceiptFields lists the fields the model must always fill
var requiredReceiptFields = []string{"storeName", "date", "totalAmount", "suggestedDebitAccount", "suggestedDescription"}

func debitAccountDescription(accounts []string) string {
	return fmt.Sprintf("店名やレシートの内容から最も適切と思われる勘定科目を推測して、以下の選択肢から一つだけ選んでください: %s",
		strings.Join(accounts, ", "))
}

// buildPrompt returns the instruction text for a batch of n images
func buildPrompt(n int) string {
	return fmt.Sprintf("%s\n入力画像の数: %d", batchScanPrompt, n)
}
