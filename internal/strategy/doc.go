// Package strategy 实现请求分类与三种缓存算法的分发执行。
//
// 分类规则按 static → api → dynamic 的声明顺序求值，首个命中即生效，
// 未命中任何规则的请求落到 default 标签。static 走 cache-first，
// api 走 network-first，dynamic 与 default 共用 stale-while-revalidate。
// 三条用户可见路径都保证以响应收尾：上游不可达时退化为缓存条目、
// 离线兜底页或合成 503，绝不向网关层抛异常。
package strategy
