// Package cli реализует инструмент командной строки Humanitas.
//
// CLI ходит в HTTP API и не импортирует внутренние пакеты системы.
//
//	humanitas task enqueue provision_account --set platform=shop --set email=a@example.com
//	humanitas task status 6f1c...
//	humanitas task enqueue fulfill_order --payload-file order.json --wait
//	humanitas account erase a@example.com
//
// Данные выводятся в stdout (таблица или --json), сообщения — в stderr.
package cli
